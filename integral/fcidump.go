package integral

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// ErrFormat is the cause of every error caused by malformed FCIDUMP input or mismatched buffers.
var ErrFormat = errors.New("fcidump format")

// FCIDUMP holds the integrals of a quantum chemistry Hamiltonian.
// All tables are views into a single block of memory.
type FCIDUMP struct {
	// Params are the lower-cased header keys, such as norb, nelec, ms2, isym, orbsym, iuhf and igeneral.
	Params map[string]string
	// E is the constant energy term.
	E float64

	// TS holds one table in the restricted case, and the alpha and beta tables in the unrestricted case.
	TS []TInt
	// VS holds the 8-fold two-electron tables, one per spin channel.
	VS []V8Int
	// VABS holds the 4-fold alpha-beta table of the unrestricted case.
	VABS []V4Int
	// VGS holds the general two-electron tables, used in place of VS and VABS when General is set.
	VGS []V1Int

	UHF     bool
	General bool

	data []float64
}

// InitializeSU2 creates spin restricted integrals.
// The length of v selects between an 8-fold and a general two-electron table.
func InitializeSU2(nSites, nElec, twoS, isym int, e float64, t, v []float64) (*FCIDUMP, error) {
	f := newFCIDUMP(nSites, nElec, twoS, isym, e)
	f.Params["iuhf"] = "0"
	f.TS = []TInt{NewTInt(nSites)}
	if len(t) != f.TS[0].Size() {
		return nil, errors.Wrapf(ErrFormat, "one-electron size %d, expected %d", len(t), f.TS[0].Size())
	}

	v8, v1 := NewV8Int(nSites), NewV1Int(nSites)
	switch len(v) {
	case v8.Size():
		f.VS = []V8Int{v8}
	case v1.Size():
		f.General = true
		f.VGS = []V1Int{v1}
	default:
		return nil, errors.Wrapf(ErrFormat, "two-electron size %d, expected %d or %d", len(v), v8.Size(), v1.Size())
	}

	f.bind(len(t) + len(v))
	copy(f.data, t)
	copy(f.data[len(t):], v)
	return f, nil
}

// InitializeSZ creates spin unrestricted integrals.
// The two-electron buffers are either 8-fold alpha, 8-fold beta and 4-fold alpha-beta tables,
// or three general tables.
func InitializeSZ(nSites, nElec, twoS, isym int, e float64, ta, tb, va, vb, vab []float64) (*FCIDUMP, error) {
	f := newFCIDUMP(nSites, nElec, twoS, isym, e)
	f.Params["iuhf"] = "1"
	f.UHF = true
	f.TS = []TInt{NewTInt(nSites), NewTInt(nSites)}
	if len(ta) != f.TS[0].Size() || len(tb) != f.TS[1].Size() {
		return nil, errors.Wrapf(ErrFormat, "one-electron sizes %d %d, expected %d", len(ta), len(tb), f.TS[0].Size())
	}

	v8, v4, v1 := NewV8Int(nSites), NewV4Int(nSites), NewV1Int(nSites)
	if len(va) == v8.Size() {
		if len(vb) != v8.Size() || len(vab) != v4.Size() {
			return nil, errors.Wrapf(ErrFormat, "two-electron sizes %d %d %d, expected %d %d %d", len(va), len(vb), len(vab), v8.Size(), v8.Size(), v4.Size())
		}
		f.VS = []V8Int{v8, v8}
		f.VABS = []V4Int{v4}
	} else {
		if len(va) != v1.Size() || len(vb) != v1.Size() || len(vab) != v1.Size() {
			return nil, errors.Wrapf(ErrFormat, "two-electron sizes %d %d %d, expected %d", len(va), len(vb), len(vab), v1.Size())
		}
		f.General = true
		f.VGS = []V1Int{v1, v1, v1}
	}

	f.bind(len(ta) + len(tb) + len(va) + len(vb) + len(vab))
	off := 0
	for _, b := range [][]float64{ta, tb, va, vb, vab} {
		off += copy(f.data[off:], b)
	}
	return f, nil
}

func newFCIDUMP(nSites, nElec, twoS, isym int, e float64) *FCIDUMP {
	f := &FCIDUMP{Params: make(map[string]string), E: e}
	f.Params["norb"] = strconv.Itoa(nSites)
	f.Params["nelec"] = strconv.Itoa(nElec)
	f.Params["ms2"] = strconv.Itoa(twoS)
	f.Params["isym"] = strconv.Itoa(isym)
	return f
}

func (f *FCIDUMP) tables() []Table {
	tables := make([]Table, 0, len(f.TS)+len(f.VS)+len(f.VABS)+len(f.VGS))
	for i := range f.TS {
		tables = append(tables, &f.TS[i])
	}
	for i := range f.VS {
		tables = append(tables, &f.VS[i])
	}
	for i := range f.VABS {
		tables = append(tables, &f.VABS[i])
	}
	for i := range f.VGS {
		tables = append(tables, &f.VGS[i])
	}
	return tables
}

// bind allocates a block of total elements and lays the tables out in it back to back.
func (f *FCIDUMP) bind(total int) {
	f.data = make([]float64, total)
	off := 0
	for _, t := range f.tables() {
		n := t.Size()
		if off+n > total {
			panic(fmt.Sprintf("%d %d %d", off, n, total))
		}
		t.view(f.data[off : off+n : off+n])
		off += n
	}
	if off != total {
		panic(fmt.Sprintf("%d %d", off, total))
	}
}

// Deallocate releases the memory block and all tables.
func (f *FCIDUMP) Deallocate() {
	if f.data == nil {
		panic("not allocated")
	}
	f.data = nil
	f.TS, f.VS, f.VABS, f.VGS = nil, nil, nil, nil
}

// Read reads a FCIDUMP file.
func Read(path string) (*FCIDUMP, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	defer file.Close()
	f, err := ReadFrom(file)
	if err != nil {
		return nil, errors.Wrapf(err, "%s", path)
	}
	return f, nil
}

type record struct {
	line int
	v    float64
	idx  [4]int
}

// ReadFrom parses FCIDUMP content.
func ReadFrom(r io.Reader) (*FCIDUMP, error) {
	var pars []string
	var records []record
	inHeader := true
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for lineNo := 1; scanner.Scan(); lineNo++ {
		l := scanner.Text()
		if i := strings.Index(l, "!"); i >= 0 {
			l = l[:i]
		}
		l = strings.ReplaceAll(l, "\r", "")
		l = strings.ToLower(l)
		l = strings.Replace(l, "&fci", "", 1)
		switch {
		case strings.Contains(l, "/") || strings.Contains(l, "&end"):
			inHeader = false
		case inHeader:
			pars = append(pars, l)
		default:
			rec, ok, err := parseRecord(l, lineNo)
			if err != nil {
				return nil, errors.Wrap(err, "")
			}
			if ok {
				records = append(records, rec)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "")
	}

	f := &FCIDUMP{Params: parseParams(pars)}
	n, err := f.intParam("norb")
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	f.UHF = f.flag("iuhf")
	f.General = f.flag("igeneral")
	f.allocate(n)

	if f.UHF {
		err = f.applyUnrestricted(records)
	} else {
		err = f.applyRestricted(records)
	}
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	return f, nil
}

// parseParams splits the header into key value pairs.
// Values without a key, such as the orbital symmetries, are joined onto the previous key.
func parseParams(lines []string) map[string]string {
	par := strings.ReplaceAll(strings.Join(lines, ","), " ", ",")
	params := make(map[string]string)
	var key string
	for _, c := range strings.Split(par, ",") {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if strings.Contains(c, "=") || key == "" {
			cs := nonEmpty(strings.Split(c, "="))
			if len(cs) == 0 {
				continue
			}
			key = strings.TrimSpace(cs[0])
			params[key] = ""
			if len(cs) == 2 {
				params[key] = strings.TrimSpace(cs[1])
			}
			continue
		}
		if params[key] == "" {
			params[key] = c
		} else {
			params[key] += "," + c
		}
	}
	return params
}

func nonEmpty(ss []string) []string {
	r := ss[:0]
	for _, s := range ss {
		if s != "" {
			r = append(r, s)
		}
	}
	return r
}

func parseRecord(l string, lineNo int) (record, bool, error) {
	fields := strings.Fields(l)
	if len(fields) == 0 {
		return record{}, false, nil
	}
	if len(fields) != 5 {
		return record{}, false, errors.Wrapf(ErrFormat, "line %d: %d fields %q", lineNo, len(fields), l)
	}
	rec := record{line: lineNo}
	var err error
	rec.v, err = strconv.ParseFloat(strings.Replace(fields[0], "d", "e", 1), 64)
	if err != nil {
		return record{}, false, errors.Wrapf(ErrFormat, "line %d: %v", lineNo, err)
	}
	for i := range rec.idx {
		rec.idx[i], err = strconv.Atoi(fields[i+1])
		if err != nil {
			return record{}, false, errors.Wrapf(ErrFormat, "line %d: %v", lineNo, err)
		}
	}
	return rec, true, nil
}

// allocate creates zeroed tables for n orbitals according to the UHF and General flags.
func (f *FCIDUMP) allocate(n int) {
	t, v8, v4, v1 := NewTInt(n), NewV8Int(n), NewV4Int(n), NewV1Int(n)
	switch {
	case !f.UHF && !f.General:
		f.TS, f.VS = []TInt{t}, []V8Int{v8}
		f.bind(t.Size() + v8.Size())
	case !f.UHF && f.General:
		f.TS, f.VGS = []TInt{t}, []V1Int{v1}
		f.bind(t.Size() + v1.Size())
	case f.UHF && !f.General:
		f.TS, f.VS, f.VABS = []TInt{t, t}, []V8Int{v8, v8}, []V4Int{v4}
		f.bind((t.Size()+v8.Size())*2 + v4.Size())
	default:
		f.TS, f.VGS = []TInt{t, t}, []V1Int{v1, v1, v1}
		f.bind(t.Size()*2 + v1.Size()*3)
	}
}

func (f *FCIDUMP) checkIndex(rec record) error {
	n := f.TS[0].N
	for _, i := range rec.idx {
		if i < 0 || i > n {
			return errors.Wrapf(ErrFormat, "line %d: index %d out of range for %d orbitals", rec.line, i, n)
		}
	}
	// Valid records are the constant (0 0 0 0), one-electron (i j 0 0) and two-electron (i j k l).
	idx := rec.idx
	switch {
	case idx == [4]int{}:
	case idx[0] > 0 && idx[1] > 0 && idx[2] == 0 && idx[3] == 0:
	case idx[0] > 0 && idx[1] > 0 && idx[2] > 0 && idx[3] > 0:
	default:
		return errors.Wrapf(ErrFormat, "line %d: invalid index pattern %v", rec.line, idx)
	}
	return nil
}

func (f *FCIDUMP) applyRestricted(records []record) error {
	for _, rec := range records {
		if err := f.checkIndex(rec); err != nil {
			return err
		}
		i, j, k, l := rec.idx[0]-1, rec.idx[1]-1, rec.idx[2]-1, rec.idx[3]-1
		switch {
		case rec.idx == [4]int{}:
			f.E = rec.v
		case rec.idx[2] == 0 && rec.idx[3] == 0:
			f.TS[0].Set(i, j, rec.v)
		case !f.General:
			f.VS[0].Set(i, j, k, l, rec.v)
		default:
			f.VGS[0].Set(i, j, k, l, rec.v)
		}
	}
	return nil
}

// applyUnrestricted routes records by the number of zero-index records seen so far.
// Zero-index records separate alpha, beta and alpha-beta two-electron tables, then
// the alpha and beta one-electron tables, and the sixth one is the constant.
func (f *FCIDUMP) applyUnrestricted(records []record) error {
	var ip int
	for _, rec := range records {
		if err := f.checkIndex(rec); err != nil {
			return err
		}
		i, j, k, l := rec.idx[0]-1, rec.idx[1]-1, rec.idx[2]-1, rec.idx[3]-1
		switch {
		case rec.idx == [4]int{}:
			ip++
			if ip == 6 {
				f.E = rec.v
			}
		case rec.idx[2] == 0 && rec.idx[3] == 0:
			if ip != 3 && ip != 4 {
				return errors.Wrapf(ErrFormat, "line %d: one-electron record in section %d", rec.line, ip)
			}
			f.TS[ip-3].Set(i, j, rec.v)
		default:
			if ip > 2 {
				return errors.Wrapf(ErrFormat, "line %d: two-electron record in section %d", rec.line, ip)
			}
			switch {
			case f.General:
				f.VGS[ip].Set(i, j, k, l, rec.v)
			case ip < 2:
				f.VS[ip].Set(i, j, k, l, rec.v)
			default:
				f.VABS[0].Set(i, j, k, l, rec.v)
			}
		}
	}
	return nil
}

// Write writes the integrals to a FCIDUMP file.
func (f *FCIDUMP) Write(path string) (err error) {
	file, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "")
	}
	defer func() {
		if err1 := file.Close(); err1 != nil && err == nil {
			err = errors.Wrapf(err1, "%s", path)
		}
	}()
	if _, err := f.WriteTo(file); err != nil {
		return errors.Wrapf(err, "%s", path)
	}
	return nil
}

// WriteTo writes the header, then the two-electron tables, the one-electron tables and the constant.
// In the unrestricted case every table is followed by a zero constant record.
func (f *FCIDUMP) WriteTo(w io.Writer) (int64, error) {
	orbSym, ok := f.Params["orbsym"]
	if !ok {
		return 0, errors.Errorf("no orbsym")
	}
	rw := newRecordWriter(w)
	header := fmt.Sprintf(" &FCI NORB=%4d,NELEC=%4d,MS2=%4d,\n", f.NSites(), f.NElec(), f.TwoS())
	header += fmt.Sprintf("  ORBSYM=%s,\n", orbSym)
	header += fmt.Sprintf("  ISYM=%4d,\n", f.ISym())
	if f.UHF {
		header += "  IUHF=1,\n"
	}
	if f.General {
		header += "  IGENERAL=1,\n"
	}
	header += " &END\n"
	n, err := rw.w.WriteString(header)
	rw.n += int64(n)
	if err != nil {
		return rw.n, errors.Wrap(err, "")
	}

	table := func(t Table) {
		if rw.err != nil {
			return
		}
		n, err := t.WriteTo(rw.w)
		rw.n += n
		if err != nil {
			rw.err = err
		}
	}
	if !f.UHF {
		if f.General {
			table(&f.VGS[0])
		} else {
			table(&f.VS[0])
		}
		table(&f.TS[0])
		rw.writeConst(f.E)
		return rw.flush()
	}

	if f.General {
		for i := range f.VGS {
			table(&f.VGS[i])
			rw.writeConst(0)
		}
	} else {
		for i := range f.VS {
			table(&f.VS[i])
			rw.writeConst(0)
		}
		table(&f.VABS[0])
		rw.writeConst(0)
	}
	for i := range f.TS {
		table(&f.TS[i])
		rw.writeConst(0)
	}
	rw.writeConst(f.E)
	return rw.flush()
}

func (f *FCIDUMP) intParam(key string) (int, error) {
	s, ok := f.Params[key]
	if !ok {
		return 0, errors.Wrapf(ErrFormat, "missing %s", key)
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, errors.Wrapf(ErrFormat, "%s: %v", key, err)
	}
	return v, nil
}

func (f *FCIDUMP) mustParam(key string) int {
	v, err := f.intParam(key)
	if err != nil {
		panic(fmt.Sprintf("%+v", err))
	}
	return v
}

func (f *FCIDUMP) flag(key string) bool {
	v, err := f.intParam(key)
	return err == nil && v == 1
}

// NSites is the number of orbitals.
func (f *FCIDUMP) NSites() int { return f.mustParam("norb") }

// NElec is the number of electrons.
func (f *FCIDUMP) NElec() int { return f.mustParam("nelec") }

// TwoS is twice the target spin.
func (f *FCIDUMP) TwoS() int { return f.mustParam("ms2") }

// ISym is the target point group irreducible representation, counting from 1.
func (f *FCIDUMP) ISym() int { return f.mustParam("isym") }

// OrbSym returns the point group irreducible representation of each orbital.
func (f *FCIDUMP) OrbSym() []uint8 {
	var r []uint8
	for _, s := range nonEmpty(strings.Split(f.Params["orbsym"], ",")) {
		v, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil {
			panic(fmt.Sprintf("%#v", f.Params["orbsym"]))
		}
		r = append(r, uint8(v))
	}
	return r
}

// SetOrbSym sets the irreducible representation of each orbital, which WriteTo requires.
func (f *FCIDUMP) SetOrbSym(x []uint8) {
	ss := make([]string, 0, len(x))
	for _, v := range x {
		ss = append(ss, strconv.Itoa(int(v)))
	}
	f.Params["orbsym"] = strings.Join(ss, ",")
}

// T returns the spin restricted one-electron integral.
func (f *FCIDUMP) T(i, j int) float64 { return f.TS[0].At(i, j) }

// TSpin returns the one-electron integral of spin channel s.
func (f *FCIDUMP) TSpin(s, i, j int) float64 {
	if f.UHF {
		return f.TS[s].At(i, j)
	}
	return f.TS[0].At(i, j)
}

// V returns the spin restricted two-electron integral [ij|kl].
func (f *FCIDUMP) V(i, j, k, l int) float64 {
	if f.General {
		return f.VGS[0].At(i, j, k, l)
	}
	return f.VS[0].At(i, j, k, l)
}

// VSpin returns the two-electron integral with spin sl on (ij) and sr on (kl).
// The beta-alpha integral is the alpha-beta one with the pairs exchanged.
func (f *FCIDUMP) VSpin(sl, sr, i, j, k, l int) float64 {
	if !f.UHF {
		return f.V(i, j, k, l)
	}
	switch {
	case sl == sr && f.General:
		return f.VGS[sl].At(i, j, k, l)
	case sl == sr:
		return f.VS[sl].At(i, j, k, l)
	case sl == 0 && f.General:
		return f.VGS[2].At(i, j, k, l)
	case sl == 0:
		return f.VABS[0].At(i, j, k, l)
	case f.General:
		return f.VGS[2].At(k, l, i, j)
	default:
		return f.VABS[0].At(k, l, i, j)
	}
}

// DetEnergy returns the energy of a determinant on orbitals [begin, end).
// occ holds either spatial occupations 0, 1, 2 or spin orbital occupations 0, 1 interleaved alpha, beta.
func (f *FCIDUMP) DetEnergy(occ []uint8, begin, end int) float64 {
	n := end - begin
	spinOcc := occ
	switch len(occ) {
	case n * 2:
	case n:
		spinOcc = make([]uint8, n*2)
		for i, o := range occ {
			if o >= 1 {
				spinOcc[i*2] = 1
			}
			if o == 2 {
				spinOcc[i*2+1] = 1
			}
		}
	default:
		panic(fmt.Sprintf("%d %d %d", len(occ), begin, end))
	}

	var energy float64
	for i := range n {
		for si := range 2 {
			if spinOcc[i*2+si] == 0 {
				continue
			}
			ii := i + begin
			energy += f.TSpin(si, ii, ii)
			for j := range n {
				for sj := range 2 {
					if spinOcc[j*2+sj] == 0 {
						continue
					}
					jj := j + begin
					energy += 0.5 * f.VSpin(si, sj, ii, ii, jj, jj)
					if si == sj {
						energy -= 0.5 * f.VSpin(si, sj, ii, jj, jj, ii)
					}
				}
			}
		}
	}
	return energy
}

// H1eEnergy returns the diagonal one-electron integrals.
func (f *FCIDUMP) H1eEnergy() []float64 {
	r := make([]float64, f.TS[0].N)
	for i := range r {
		r[i] = f.T(i, i)
	}
	return r
}

// OneBody returns the one-electron integrals of spin channel s as a symmetric matrix.
func (f *FCIDUMP) OneBody(s int) *mat.SymDense {
	n := f.TS[0].N
	m := mat.NewSymDense(n, nil)
	for i := range n {
		for j := 0; j <= i; j++ {
			m.SetSym(i, j, f.TSpin(s, i, j))
		}
	}
	return m
}
