package fs

import (
	"errors"
	"os"
	"strings"
	"sync"
)

// ErrInjected marks a failure injected by [Faulty]. Tests use errors.Is to
// distinguish injected failures from real filesystem errors.
var ErrInjected = errors.New("injected fault")

// Op names an [FS] operation for fault injection.
type Op string

// Operations that [Faulty] can fail.
const (
	OpOpen        Op = "open"
	OpOpenFile    Op = "openfile"
	OpReadFile    Op = "readfile"
	OpWriteAtomic Op = "writeatomic"
	OpReadDir     Op = "readdir"
	OpMkdirAll    Op = "mkdirall"
	OpStat        Op = "stat"
	OpRemove      Op = "remove"
	OpRename      Op = "rename"
	OpSync        Op = "sync"
	OpWrite       Op = "write"
)

// Faulty wraps an [FS] and fails selected operations on matching paths.
//
// A rule fires when the operation matches and the path contains the rule's
// substring (empty substring matches every path). Rules fire at most Count
// times; Count <= 0 means fire forever. Faulty is safe for concurrent use.
//
// The typical pattern mirrors a crash between the WAL append and the target
// write: allow the journal append, fail the document write, then assert on
// what recovery reports.
type Faulty struct {
	inner FS

	mu    sync.Mutex
	rules []*faultRule
}

type faultRule struct {
	op    Op
	match string
	count int
}

// NewFaulty wraps inner with no active rules.
func NewFaulty(inner FS) *Faulty {
	return &Faulty{inner: inner}
}

// FailOp makes op fail with [ErrInjected] on paths containing match.
// count limits how many times the rule fires; count <= 0 means unlimited.
func (f *Faulty) FailOp(op Op, match string, count int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.rules = append(f.rules, &faultRule{op: op, match: match, count: count})
}

// Reset removes all rules.
func (f *Faulty) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.rules = nil
}

// check reports an injected error if a rule matches op and path.
func (f *Faulty) check(op Op, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, rule := range f.rules {
		if rule.op != op {
			continue
		}

		if rule.match != "" && !strings.Contains(path, rule.match) {
			continue
		}

		if rule.count == 0 {
			continue // exhausted
		}

		if rule.count > 0 {
			rule.count--
		}

		return errors.Join(ErrInjected, errors.New(string(op)+" "+path))
	}

	return nil
}

// Open implements [FS].
func (f *Faulty) Open(path string) (File, error) {
	if err := f.check(OpOpen, path); err != nil {
		return nil, err
	}

	file, err := f.inner.Open(path)
	if err != nil {
		return nil, err
	}

	return &faultyFile{File: file, faulty: f, path: path}, nil
}

// OpenFile implements [FS].
func (f *Faulty) OpenFile(path string, flag int, perm os.FileMode) (File, error) {
	if err := f.check(OpOpenFile, path); err != nil {
		return nil, err
	}

	file, err := f.inner.OpenFile(path, flag, perm)
	if err != nil {
		return nil, err
	}

	return &faultyFile{File: file, faulty: f, path: path}, nil
}

// ReadFile implements [FS].
func (f *Faulty) ReadFile(path string) ([]byte, error) {
	if err := f.check(OpReadFile, path); err != nil {
		return nil, err
	}

	return f.inner.ReadFile(path)
}

// WriteFileAtomic implements [FS].
func (f *Faulty) WriteFileAtomic(path string, data []byte) error {
	if err := f.check(OpWriteAtomic, path); err != nil {
		return err
	}

	return f.inner.WriteFileAtomic(path, data)
}

// ReadDir implements [FS].
func (f *Faulty) ReadDir(path string) ([]os.DirEntry, error) {
	if err := f.check(OpReadDir, path); err != nil {
		return nil, err
	}

	return f.inner.ReadDir(path)
}

// MkdirAll implements [FS].
func (f *Faulty) MkdirAll(path string, perm os.FileMode) error {
	if err := f.check(OpMkdirAll, path); err != nil {
		return err
	}

	return f.inner.MkdirAll(path, perm)
}

// Stat implements [FS].
func (f *Faulty) Stat(path string) (os.FileInfo, error) {
	if err := f.check(OpStat, path); err != nil {
		return nil, err
	}

	return f.inner.Stat(path)
}

// Remove implements [FS].
func (f *Faulty) Remove(path string) error {
	if err := f.check(OpRemove, path); err != nil {
		return err
	}

	return f.inner.Remove(path)
}

// Rename implements [FS].
func (f *Faulty) Rename(oldpath, newpath string) error {
	if err := f.check(OpRename, newpath); err != nil {
		return err
	}

	return f.inner.Rename(oldpath, newpath)
}

// Exists implements [FS].
func (f *Faulty) Exists(path string) (bool, error) {
	if err := f.check(OpStat, path); err != nil {
		return false, err
	}

	return f.inner.Exists(path)
}

// faultyFile intercepts Write and Sync on an open file so a rule can fail
// the fsync step specifically.
type faultyFile struct {
	File

	faulty *Faulty
	path   string
}

func (f *faultyFile) Write(p []byte) (int, error) {
	if err := f.faulty.check(OpWrite, f.path); err != nil {
		return 0, err
	}

	return f.File.Write(p)
}

func (f *faultyFile) Sync() error {
	if err := f.faulty.check(OpSync, f.path); err != nil {
		return err
	}

	return f.File.Sync()
}
