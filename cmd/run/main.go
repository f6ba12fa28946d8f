package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fumin/qcmpo"
	"github.com/fumin/qcmpo/config"
	"github.com/fumin/qcmpo/integral"
)

const (
	fnameConfig = "config.yaml"
	fnameResult = "result.json"
	fnameDone   = "done.txt"
)

type rootOptions struct {
	verbose bool
	config  string
}

func newLogger(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.OutputPaths = []string{"stderr"}
	logger, err := cfg.Build()
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	return logger, nil
}

func newRootCommand(stdout io.Writer) *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "qcmpo",
		Short:         "Distributed contraction of block operators",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetOut(stdout)
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "verbose logging")
	cmd.PersistentFlags().StringVarP(&opts.config, "config", "c", "", "path of a YAML config")

	cmd.AddCommand(newContractCommand(opts))
	cmd.AddCommand(newFCIDUMPCommand())
	return cmd
}

type contractOptions struct {
	*rootOptions
	dir       string
	fcidump   string
	processes int
	threads   int
	rule      string
	bondDim   int
	archive   bool
}

func newContractCommand(root *rootOptions) *cobra.Command {
	opts := &contractOptions{rootOptions: root}
	cmd := &cobra.Command{
		Use:   "contract",
		Short: "Rotate, transform and apply the block operators of an FCIDUMP",
		Long: `Contract splits the orbitals of an FCIDUMP into two blocks, and evaluates the Hamiltonian
on a random super block vector with an in process world of ranks.

The config, the results and a done marker are written to a fresh directory under --dir.

Example:
  run contract --fcidump h2o.fcidump --processes 4 --rule site
  run contract -c run.yaml --archive`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return contract(cmd, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.dir, "dir", "d", filepath.Join("runs", "qcmpo"), "run directory")
	cmd.Flags().StringVar(&opts.fcidump, "fcidump", "", "path of the FCIDUMP, overrides the config")
	cmd.Flags().IntVar(&opts.processes, "processes", 0, "number of ranks, overrides the config")
	cmd.Flags().IntVar(&opts.threads, "threads", 0, "threads per rank, overrides the config")
	cmd.Flags().StringVar(&opts.rule, "rule", "", "ownership rule (single|site), overrides the config")
	cmd.Flags().IntVar(&opts.bondDim, "bond", 0, "maximum bond dimension, overrides the config")
	cmd.Flags().BoolVar(&opts.archive, "archive", false, "save the rotated operators of the root")
	return cmd
}

func (opts *contractOptions) load() (*config.Config, error) {
	cfg := config.Default()
	if opts.config != "" {
		var err error
		cfg, err = config.Load(opts.config)
		if err != nil {
			return nil, errors.Wrap(err, "")
		}
	}
	if opts.fcidump != "" {
		cfg.FCIDUMP = opts.fcidump
	}
	if opts.processes != 0 {
		cfg.Processes = opts.processes
	}
	if opts.threads != 0 {
		cfg.Threads = opts.threads
	}
	if opts.rule != "" {
		cfg.Rule.Kind = opts.rule
	}
	if opts.bondDim != 0 {
		cfg.BondDim = opts.bondDim
	}
	if cfg.FCIDUMP == "" {
		return nil, errors.Errorf("no FCIDUMP")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "")
	}
	return cfg, nil
}

func contract(cmd *cobra.Command, opts *contractOptions) error {
	cfg, err := opts.load()
	if err != nil {
		return errors.Wrap(err, "")
	}
	id := uuid.NewString()
	dir := filepath.Join(opts.dir, id)
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return errors.Wrap(err, "")
	}
	if opts.archive {
		cfg.Archive = filepath.Join(dir, "operators.db")
	}
	if err := cfg.Save(filepath.Join(dir, fnameConfig)); err != nil {
		return errors.Wrap(err, "")
	}

	logger, err := newLogger(opts.verbose)
	if err != nil {
		return errors.Wrap(err, "")
	}
	defer logger.Sync()
	logger = logger.With(zap.String("run", id))

	fd, err := integral.Read(cfg.FCIDUMP)
	if err != nil {
		return errors.Wrap(err, "")
	}
	logger.Info("fcidump", zap.String("path", cfg.FCIDUMP), zap.Int("orbitals", fd.NSites()), zap.Int("electrons", fd.NElec()))

	results, err := qcmpo.Simulate(context.Background(), fd, cfg, logger)
	if err != nil {
		return errors.Wrap(err, "")
	}
	b, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return errors.Wrap(err, "")
	}
	if err := os.WriteFile(filepath.Join(dir, fnameResult), b, 0644); err != nil {
		return errors.Wrap(err, "")
	}
	if err := os.WriteFile(filepath.Join(dir, fnameDone), nil, 0644); err != nil {
		return errors.Wrap(err, "")
	}

	root := results[0]
	fmt.Fprintf(cmd.OutOrStdout(), "run,energy,transformed,left,trace,peak\n")
	fmt.Fprintf(cmd.OutOrStdout(), "%s,%f,%f,%f,%f,%d\n", id, root.Energy, root.Transformed, root.LeftEnergy, root.Trace, root.Peak)
	return nil
}

func newFCIDUMPCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fcidump",
		Short: "Inspect and convert FCIDUMP files",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "info <path>",
		Short: "Print the header and one-electron energies",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fd, err := integral.Read(args[0])
			if err != nil {
				return errors.Wrap(err, "")
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "norb %d\nnelec %d\nms2 %d\nisym %d\nuhf %t\ngeneral %t\necore %f\n", fd.NSites(), fd.NElec(), fd.TwoS(), fd.ISym(), fd.UHF, fd.General, fd.E)
			for i, e := range fd.H1eEnergy() {
				fmt.Fprintf(w, "h1e %d %f\n", i, e)
			}
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "convert <src> <dst>",
		Short: "Rewrite an FCIDUMP in canonical form",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			fd, err := integral.Read(args[0])
			if err != nil {
				return errors.Wrap(err, "")
			}
			defer fd.Deallocate()
			if err := fd.Write(args[1]); err != nil {
				return errors.Wrap(err, "")
			}
			return nil
		},
	})
	return cmd
}

func main() {
	log.SetFlags(log.Lmicroseconds | log.Llongfile | log.LstdFlags)

	if err := mainWithErr(os.Args[1:]); err != nil {
		log.Fatalf("%+v", err)
	}
}

func mainWithErr(args []string) error {
	cmd := newRootCommand(os.Stdout)
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		return errors.Wrap(err, "")
	}
	return nil
}
