//go:build linux || darwin

package device

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sys/unix"

	"semipd/internal/dtype"
	"semipd/internal/tensor"
)

const (
	DefaultShmDir       = "/dev/shm"
	DefaultComputeUnits = 108
)

// ShmConfig configures a shared-memory backed adapter. Every process in a
// group must use the same Dir so handles resolve to the same files.
type ShmConfig struct {
	Dir          string
	Prefix       string // unique per group and rank; keeps handle names apart
	TotalBytes   uint64 // reported device capacity
	ComputeUnits int
}

// GroupPrefix is the shm name prefix shared by every member of a group.
func GroupPrefix(groupID string) string {
	id := strings.ReplaceAll(groupID, "-", "")
	if len(id) > 8 {
		id = id[:8]
	}
	return "spd-" + id
}

// MemberPrefix is the shm name prefix of one member of a group.
func MemberPrefix(groupID, role string, rank int) string {
	tag := "x"
	if role != "" {
		tag = role[:1]
	}
	return fmt.Sprintf("%s-%s%d", GroupPrefix(groupID), tag, rank)
}

// RemoveGroup unlinks every region a group left behind in dir, typically
// after its members were killed before they could close their adapters.
func RemoveGroup(dir, groupID string) (int, error) {
	if dir == "" {
		dir = DefaultShmDir
	}
	names, err := filepath.Glob(filepath.Join(dir, GroupPrefix(groupID)+"-*"))
	if err != nil {
		return 0, err
	}
	var errs []error
	n := 0
	for _, name := range names {
		if err := os.Remove(name); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

// ShmAdapter allocates tensors as MAP_SHARED mappings of files under Dir.
// A peer importing a handle maps the same file, so writes through either
// mapping are visible to both processes.
type ShmAdapter struct {
	cfg ShmConfig

	mu     sync.Mutex
	seq    int
	used   uint64
	owned  map[string]*tensor.Storage
	mapped map[string]*tensor.Storage
	closed bool
}

// NewShmAdapter validates cfg and creates Dir if needed.
func NewShmAdapter(cfg ShmConfig) (*ShmAdapter, error) {
	if cfg.Dir == "" {
		cfg.Dir = DefaultShmDir
	}
	if cfg.ComputeUnits <= 0 {
		cfg.ComputeUnits = DefaultComputeUnits
	}
	if cfg.Prefix == "" || strings.ContainsRune(cfg.Prefix, os.PathSeparator) {
		return nil, fmt.Errorf("shm adapter: invalid prefix %q", cfg.Prefix)
	}
	// name is prefix + "-" + 6 digit sequence
	if len(cfg.Prefix)+7 > HandleSize {
		return nil, fmt.Errorf("shm adapter: prefix %q too long for a %d byte handle", cfg.Prefix, HandleSize)
	}
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("shm adapter: %w", err)
	}
	return &ShmAdapter{
		cfg:    cfg,
		owned:  make(map[string]*tensor.Storage),
		mapped: make(map[string]*tensor.Storage),
	}, nil
}

func (a *ShmAdapter) Alloc(dt dtype.DType, device int, shape ...int64) (*tensor.Tensor, error) {
	n := tensor.Numel(shape)
	if n == 0 {
		return tensor.Empty(dt, device, shape...), nil
	}
	if n < 0 || !dt.Valid() {
		return nil, fmt.Errorf("shm alloc: bad shape %v or type %s", shape, dt)
	}
	size := uint64(n) * uint64(dt.Size())

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil, ErrClosed
	}
	if a.cfg.TotalBytes > 0 && a.used+size > a.cfg.TotalBytes {
		free := a.cfg.TotalBytes - a.used
		a.mu.Unlock()
		return nil, fmt.Errorf("%w: need %d bytes, %d free", ErrOutOfDeviceMemory, size, free)
	}
	a.seq++
	name := fmt.Sprintf("%s-%06d", a.cfg.Prefix, a.seq)
	a.used += size
	a.mu.Unlock()

	buf, err := mapFile(filepath.Join(a.cfg.Dir, name), int64(size), true)
	if err != nil {
		a.mu.Lock()
		a.used -= size
		a.mu.Unlock()
		return nil, fmt.Errorf("shm alloc %s: %w", name, err)
	}
	s := &tensor.Storage{Ref: name, Bytes: buf}
	a.mu.Lock()
	a.owned[name] = s
	a.mu.Unlock()
	return tensor.New(s, 0, dt, device, shape...)
}

func (a *ShmAdapter) Export(t *tensor.Tensor) (Handle, error) {
	if err := checkExport(t); err != nil {
		return Handle{}, err
	}
	name := t.Storage().Ref
	a.mu.Lock()
	_, own := a.owned[name]
	_, imp := a.mapped[name]
	a.mu.Unlock()
	if !own && !imp {
		return Handle{}, fmt.Errorf("%w: storage %q not mapped by adapter", ErrNotExportable, name)
	}
	ref, err := refFromName(name)
	if err != nil {
		return Handle{}, err
	}
	return Handle{Ref: ref, Offset: t.Offset()}, nil
}

func (a *ShmAdapter) Import(h Handle, numel int64, dt dtype.DType, device int) (*tensor.Tensor, error) {
	if err := checkImport(h, numel, dt); err != nil {
		return nil, err
	}
	name := nameFromRef(h.Ref)
	if name == "" || strings.ContainsRune(name, os.PathSeparator) || name == "." || name == ".." {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHandle, h)
	}
	s, err := a.storageFor(name)
	if err != nil {
		return nil, err
	}
	return tensor.New(s, h.Offset, dt, device, numel)
}

// storageFor returns the existing mapping for name or maps the file once.
func (a *ShmAdapter) storageFor(name string) (*tensor.Storage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, ErrClosed
	}
	if s, ok := a.owned[name]; ok {
		return s, nil
	}
	if s, ok := a.mapped[name]; ok {
		return s, nil
	}
	buf, err := mapFile(filepath.Join(a.cfg.Dir, name), 0, false)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownHandle, name)
		}
		return nil, fmt.Errorf("shm import %s: %w", name, err)
	}
	s := &tensor.Storage{Ref: name, Bytes: buf}
	a.mapped[name] = s
	return s, nil
}

func (a *ShmAdapter) ComputeUnitCount(int) (int, error) { return a.cfg.ComputeUnits, nil }

func (a *ShmAdapter) MemInfo(int) (MemInfo, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	total := a.cfg.TotalBytes
	if total == 0 {
		var st unix.Statfs_t
		if err := unix.Statfs(a.cfg.Dir, &st); err != nil {
			return MemInfo{}, fmt.Errorf("shm meminfo: %w", err)
		}
		return MemInfo{Total: st.Blocks * uint64(st.Bsize), Free: st.Bavail * uint64(st.Bsize)}, nil
	}
	return MemInfo{Total: total, Free: total - a.used}, nil
}

// Close unmaps every region. Files this adapter allocated are unlinked;
// the exporting process owns the memory, importers only drop their views.
func (a *ShmAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	var errs []error
	for name, s := range a.mapped {
		if err := unix.Munmap(s.Bytes); err != nil {
			errs = append(errs, fmt.Errorf("munmap %s: %w", name, err))
		}
	}
	for name, s := range a.owned {
		if err := unix.Munmap(s.Bytes); err != nil {
			errs = append(errs, fmt.Errorf("munmap %s: %w", name, err))
		}
		if err := os.Remove(filepath.Join(a.cfg.Dir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	a.owned, a.mapped = nil, nil
	return errors.Join(errs...)
}

// mapFile maps path read-write and shared. With create set the file must
// not exist and is sized to size bytes; otherwise its current size is used.
func mapFile(path string, size int64, create bool) ([]byte, error) {
	flag := os.O_RDWR
	if create {
		flag |= os.O_CREATE | os.O_EXCL
	}
	f, err := os.OpenFile(path, flag, 0o600)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if create {
		if err := f.Truncate(size); err != nil {
			_ = os.Remove(path)
			return nil, err
		}
	} else {
		fi, err := f.Stat()
		if err != nil {
			return nil, err
		}
		size = fi.Size()
		if size == 0 {
			return nil, fmt.Errorf("%w: empty region", ErrSpanMismatch)
		}
	}
	buf, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		if create {
			_ = os.Remove(path)
		}
		return nil, err
	}
	return buf, nil
}

var _ Adapter = (*ShmAdapter)(nil)
