package registry

// Store is the interface the supervisor talks to, satisfied by both the
// real sqlite-backed Registry and Null, the in-memory fallback used when
// the database can't be opened (spec §4.3, §7 "Storage errors...
// degrade to in-memory fallback").
type Store interface {
	Register(rec Record) error
	UpdateStatus(pid int, status, exitReason string, exitCode *int) error
	FindActiveIPC() (*Record, error)
	FindByPID(pid int) (*Record, error)
	ListAll() ([]*Record, error)
	Close() error
}

// Null is a Store that keeps state in memory only, for workspaces where
// the sqlite file can't be opened (e.g. a read-only filesystem). The
// session still runs; only durable history is lost.
type Null struct {
	records map[int]*Record
}

// NewNull returns an empty in-memory Store.
func NewNull() *Null {
	return &Null{records: make(map[int]*Record)}
}

func (n *Null) Register(rec Record) error {
	r := rec
	n.records[rec.PID] = &r
	return nil
}

func (n *Null) UpdateStatus(pid int, status, exitReason string, exitCode *int) error {
	if r, ok := n.records[pid]; ok {
		r.Status = status
		r.ExitReason = exitReason
		r.ExitCode = exitCode
	}
	return nil
}

func (n *Null) FindActiveIPC() (*Record, error) {
	var best *Record
	for _, r := range n.records {
		if r.Status == StatusExited {
			continue
		}
		if best == nil || r.StartedAt.After(best.StartedAt) {
			best = r
		}
	}
	return best, nil
}

func (n *Null) FindByPID(pid int) (*Record, error) {
	return n.records[pid], nil
}

func (n *Null) ListAll() ([]*Record, error) {
	out := make([]*Record, 0, len(n.records))
	for _, r := range n.records {
		out = append(out, r)
	}
	return out, nil
}

func (n *Null) Close() error { return nil }

var (
	_ Store = (*Registry)(nil)
	_ Store = (*Null)(nil)
)
