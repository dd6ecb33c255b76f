package cascade

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
)

// DefaultNamespace is used when a memory operation names no namespace.
const DefaultNamespace = "default"

// Memory is a process-wide, namespaced key-value store shared by checks
// within a run. Ordering across concurrent writers is weak: callers
// needing atomicity must use Increment or write disjoint keys.
type Memory struct {
	mu   sync.Mutex
	data map[string]map[string]any
}

// NewMemory creates an empty store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string]map[string]any)}
}

func (m *Memory) ns(name string) string {
	if name == "" {
		return DefaultNamespace
	}
	return name
}

func (m *Memory) bucket(name string) map[string]any {
	b, ok := m.data[name]
	if !ok {
		b = make(map[string]any)
		m.data[name] = b
	}
	return b
}

// Get returns the value for key in the namespace.
func (m *Memory) Get(key, namespace string) (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[m.ns(namespace)][key]
	return v, ok
}

// Has reports whether key exists in the namespace.
func (m *Memory) Has(key, namespace string) bool {
	_, ok := m.Get(key, namespace)
	return ok
}

// Set writes key in the namespace, overwriting any previous value.
func (m *Memory) Set(key string, value any, namespace string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bucket(m.ns(namespace))[key] = value
}

// Increment atomically adds delta to the numeric value at key and
// returns the new value. A missing or non-numeric value starts at zero.
func (m *Memory) Increment(key string, delta float64, namespace string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.bucket(m.ns(namespace))
	next := toFloat(b[key]) + delta
	b[key] = next
	return next
}

// Append appends value to the list at key, creating the list if needed.
// A non-list existing value becomes the first element.
func (m *Memory) Append(key string, value any, namespace string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.bucket(m.ns(namespace))
	switch existing := b[key].(type) {
	case nil:
		b[key] = []any{value}
	case []any:
		b[key] = append(existing, value)
	default:
		b[key] = []any{existing, value}
	}
}

// Delete removes key from the namespace.
func (m *Memory) Delete(key, namespace string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data[m.ns(namespace)], key)
}

// Clear drops every key in the namespace.
func (m *Memory) Clear(namespace string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, m.ns(namespace))
}

// List returns a copy of all keys and values in the namespace.
func (m *Memory) List(namespace string) map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	src := m.data[m.ns(namespace)]
	out := make(map[string]any, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

// Namespaces returns all namespace names in sorted order.
func (m *Memory) Namespaces() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.data))
	for name := range m.data {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// snapshot copies the full store for persistence.
func (m *Memory) snapshot() map[string]map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]map[string]any, len(m.data))
	for ns, b := range m.data {
		cp := make(map[string]any, len(b))
		for k, v := range b {
			cp[k] = v
		}
		out[ns] = cp
	}
	return out
}

// restore replaces the store contents.
func (m *Memory) restore(data map[string]map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = make(map[string]map[string]any, len(data))
	for ns, b := range data {
		cp := make(map[string]any, len(b))
		for k, v := range b {
			cp[k] = v
		}
		m.data[ns] = cp
	}
}

// Load replaces the store contents from a backend.
func (m *Memory) Load(ctx context.Context, backend MemoryBackend) error {
	data, err := backend.Load(ctx)
	if err != nil {
		return &ErrMemory{Op: "load", Err: err}
	}
	m.restore(data)
	return nil
}

// Flush writes the store contents through a backend.
func (m *Memory) Flush(ctx context.Context, backend MemoryBackend) error {
	if err := backend.Save(ctx, m.snapshot()); err != nil {
		return &ErrMemory{Op: "flush", Err: err}
	}
	return nil
}

func toFloat(v any) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case float32:
		return float64(x)
	case int:
		return float64(x)
	case int64:
		return float64(x)
	case uint64:
		return float64(x)
	case json.Number:
		f, _ := x.Float64()
		return f
	default:
		return 0
	}
}

// --- Namespaced handle ---

// MemoryHandle is the namespace-scoped facade passed to providers and
// exposed to expressions as the memory helpers.
type MemoryHandle struct {
	mem *Memory
	ns  string
}

// NewMemoryHandle scopes mem to the given namespace.
func NewMemoryHandle(mem *Memory, namespace string) *MemoryHandle {
	return &MemoryHandle{mem: mem, ns: namespace}
}

// Namespace returns the handle's namespace.
func (h *MemoryHandle) Namespace() string { return h.mem.ns(h.ns) }

func (h *MemoryHandle) Get(key string) (any, bool) { return h.mem.Get(key, h.ns) }
func (h *MemoryHandle) Has(key string) bool        { return h.mem.Has(key, h.ns) }
func (h *MemoryHandle) Set(key string, value any)  { h.mem.Set(key, value, h.ns) }
func (h *MemoryHandle) Delete(key string)          { h.mem.Delete(key, h.ns) }
func (h *MemoryHandle) Clear()                     { h.mem.Clear(h.ns) }
func (h *MemoryHandle) List() map[string]any       { return h.mem.List(h.ns) }

func (h *MemoryHandle) Increment(key string, delta float64) float64 {
	return h.mem.Increment(key, delta, h.ns)
}

func (h *MemoryHandle) Append(key string, value any) {
	h.mem.Append(key, value, h.ns)
}

// exprHelpers exposes the read helpers to the expression sandbox.
func (h *MemoryHandle) exprHelpers() map[string]any {
	return map[string]any{
		"get": func(key string) any {
			v, _ := h.Get(key)
			return v
		},
		"has":    h.Has,
		"getAll": h.List,
	}
}

// --- File persistence ---

// MemoryBackend persists the full store contents. The bundled
// FileBackend writes JSON or CSV; store/postgres provides a shared
// database-backed implementation.
type MemoryBackend interface {
	Load(ctx context.Context) (map[string]map[string]any, error)
	Save(ctx context.Context, data map[string]map[string]any) error
}

// FileBackend persists memory to a single file. Writes go to a temp
// file in the same directory followed by an atomic rename.
type FileBackend struct {
	Path   string
	Format string // json | csv
}

// NewFileBackend creates a backend for path. Format defaults to json.
func NewFileBackend(path, format string) *FileBackend {
	if format == "" {
		format = "json"
	}
	return &FileBackend{Path: path, Format: format}
}

var _ MemoryBackend = (*FileBackend)(nil)

// Load reads the file. A missing file yields an empty store.
func (f *FileBackend) Load(_ context.Context) (map[string]map[string]any, error) {
	raw, err := os.ReadFile(f.Path)
	if os.IsNotExist(err) {
		return map[string]map[string]any{}, nil
	}
	if err != nil {
		return nil, err
	}
	switch f.Format {
	case "csv":
		return decodeCSV(raw)
	default:
		var data map[string]map[string]any
		if err := json.Unmarshal(raw, &data); err != nil {
			return nil, fmt.Errorf("decode %s: %w", f.Path, err)
		}
		if data == nil {
			data = map[string]map[string]any{}
		}
		return data, nil
	}
}

// Save writes the store atomically: temp file, then rename.
func (f *FileBackend) Save(_ context.Context, data map[string]map[string]any) error {
	var raw []byte
	var err error
	switch f.Format {
	case "csv":
		raw, err = encodeCSV(data)
	default:
		raw, err = json.MarshalIndent(data, "", "  ")
	}
	if err != nil {
		return err
	}

	dir := filepath.Dir(f.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(f.Path)+".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), f.Path)
}

// encodeCSV renders rows of namespace,key,value with complex values
// JSON-encoded. Rows are sorted for stable files.
func encodeCSV(data map[string]map[string]any) ([]byte, error) {
	type row struct{ ns, key, val string }
	rows := make([]row, 0, 16)
	for ns, bucket := range data {
		for key, value := range bucket {
			cell, err := encodeCSVValue(value)
			if err != nil {
				return nil, fmt.Errorf("encode %s/%s: %w", ns, key, err)
			}
			rows = append(rows, row{ns, key, cell})
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].ns != rows[j].ns {
			return rows[i].ns < rows[j].ns
		}
		return rows[i].key < rows[j].key
	})

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write([]string{"namespace", "key", "value"}); err != nil {
		return nil, err
	}
	for _, r := range rows {
		if err := w.Write([]string{r.ns, r.key, r.val}); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeCSVValue(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case bool:
		return strconv.FormatBool(x), nil
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64), nil
	case int:
		return strconv.Itoa(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	default:
		raw, err := json.Marshal(v)
		return string(raw), err
	}
}

func decodeCSV(raw []byte) (map[string]map[string]any, error) {
	r := csv.NewReader(bytes.NewReader(raw))
	records, err := r.ReadAll()
	if err != nil {
		return nil, err
	}
	data := map[string]map[string]any{}
	for i, rec := range records {
		if i == 0 && len(rec) == 3 && rec[0] == "namespace" {
			continue
		}
		if len(rec) != 3 {
			return nil, fmt.Errorf("row %d: want 3 columns, got %d", i, len(rec))
		}
		ns, key, cell := rec[0], rec[1], rec[2]
		if data[ns] == nil {
			data[ns] = map[string]any{}
		}
		data[ns][key] = decodeCSVValue(cell)
	}
	return data, nil
}

func decodeCSVValue(cell string) any {
	var v any
	if err := json.Unmarshal([]byte(cell), &v); err == nil {
		return v
	}
	return cell
}
