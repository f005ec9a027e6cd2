package request

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

var (
	// ErrInvalidPath is returned for paths that are empty or escape the root.
	ErrInvalidPath = errors.New("invalid path")
	// ErrTerminal is returned when a request already left the Pending state.
	ErrTerminal = errors.New("request already in terminal state")
)

// Operation is the kind of work a request carries
type Operation int

const (
	OpRead Operation = iota
	// OpCompressedRead reads from an archive which is already open upstream.
	OpCompressedRead
	OpCancel
)

func (op Operation) String() string {
	switch op {
	case OpRead:
		return "read"
	case OpCompressedRead:
		return "compressed-read"
	case OpCancel:
		return "cancel"
	}
	return fmt.Sprintf("operation(%d)", int(op))
}

// Status of a request. Pending is the only non terminal state.
type Status int

const (
	Pending Status = iota
	Completed
	Failed
	Canceled
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Canceled:
		return "canceled"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Path identifies a file. It keeps the root relative form next to the
// absolute one so both can be logged and compared.
type Path struct {
	relative string
	absolute string
}

// NewPath resolves rel against root
func NewPath(root, rel string) (Path, error) {
	if rel == "" {
		return Path{}, ErrInvalidPath
	}
	cleaned := filepath.Clean(rel)
	if cleaned == "." || filepath.IsAbs(cleaned) {
		return Path{}, ErrInvalidPath
	}
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return Path{}, ErrInvalidPath
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return Path{}, fmt.Errorf("resolve root %q: %w", root, err)
	}
	return Path{
		relative: filepath.ToSlash(cleaned),
		absolute: filepath.Join(absRoot, cleaned),
	}, nil
}

// AbsolutePath creates a Path for a file addressed without a root.
func AbsolutePath(abs string) (Path, error) {
	if abs == "" {
		return Path{}, ErrInvalidPath
	}
	full, err := filepath.Abs(abs)
	if err != nil {
		return Path{}, fmt.Errorf("resolve %q: %w", abs, err)
	}
	return Path{
		relative: filepath.ToSlash(filepath.Base(full)),
		absolute: full,
	}, nil
}

// Relative returns the normalized, slash separated relative path
func (p Path) Relative() string {
	return p.relative
}

// Absolute returns the path used to open the file
func (p Path) Absolute() string {
	return p.absolute
}

// IsEmpty reports whether p is the zero Path
func (p Path) IsEmpty() bool {
	return p.absolute == ""
}

func (p Path) String() string {
	return p.relative
}

// Request is a unit of work submitted to a stage. The caller owns it;
// a stage only writes its status, bytes read and completion estimate.
type Request struct {
	Op     Operation
	Path   Path
	Offset uint64
	Size   uint64
	// Output receives the data, it must hold at least Size bytes.
	Output []byte
	// Target is the request a Cancel applies to.
	Target *Request

	// EstimatedCompletion is zero until an estimate was made.
	EstimatedCompletion time.Time
	BytesRead           uint64

	status Status
	parent *Request
}

// NewRead creates a read request for size bytes at offset. The output
// buffer is allocated when out is nil.
func NewRead(path Path, offset, size uint64, out []byte) *Request {
	if out == nil {
		out = make([]byte, size)
	}
	return &Request{
		Op:     OpRead,
		Path:   path,
		Offset: offset,
		Size:   size,
		Output: out,
	}
}

// NewCancel creates a cancel request for target and everything below it
func NewCancel(target *Request) *Request {
	return &Request{
		Op:     OpCancel,
		Target: target,
	}
}

// NewChild creates a request linked to parent
func (r *Request) NewChild(op Operation, offset, size uint64, out []byte) *Request {
	child := NewRead(r.Path, offset, size, out)
	child.Op = op
	child.parent = r
	return child
}

// Parent returns the coalescing parent, nil for a root request
func (r *Request) Parent() *Request {
	return r.parent
}

// IsChildOf reports whether ancestor is somewhere up the parent chain.
// A request is not a child of itself.
func (r *Request) IsChildOf(ancestor *Request) bool {
	if ancestor == nil {
		return false
	}
	for p := r.parent; p != nil; p = p.parent {
		if p == ancestor {
			return true
		}
	}
	return false
}

// Status returns the current status
func (r *Request) Status() Status {
	return r.status
}

// SetStatus moves a pending request to s. Terminal states never change.
func (r *Request) SetStatus(s Status) error {
	if r.status != Pending {
		return fmt.Errorf("%w: %s -> %s", ErrTerminal, r.status, s)
	}
	r.status = s
	return nil
}

// Completion is the event emitted once a request reached a terminal state.
type Completion struct {
	Request   *Request
	Status    Status
	BytesRead uint64
}

// CompletionContext is notified about every completed request.
type CompletionContext interface {
	MarkRequestAsCompleted(c Completion)
}

// CompletionFunc adapts a function to CompletionContext
type CompletionFunc func(c Completion)

func (f CompletionFunc) MarkRequestAsCompleted(c Completion) {
	f(c)
}
