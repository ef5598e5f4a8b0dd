package registry

// Code is the status of one operation family. Each family has its own code
// type so a mkdir status can never be compared against a read status.
type Code interface {
	comparable
	OK() bool
	String() string
}

// Outcome is the result of a fallible registry operation. Value is only
// meaningful when Code reports OK; Err carries the cause of a failure.
type Outcome[C Code, V any] struct {
	Code  C
	Value V
	Err   error
}

// OK reports whether the outcome's code denotes success.
func (o Outcome[C, V]) OK() bool { return o.Code.OK() }

// Get returns the value and whether it is defined.
func (o Outcome[C, V]) Get() (V, bool) {
	if !o.Code.OK() {
		var zero V
		return zero, false
	}
	return o.Value, true
}

type (
	MkdirOutcome        = Outcome[MkdirCode, struct{}]
	WriteOutcome        = Outcome[WriteCode, struct{}]
	ReadOutcome         = Outcome[ReadCode, string]
	DeleteOutcome       = Outcome[DeleteCode, struct{}]
	ReadOrCreateOutcome = Outcome[ReadOrCreateCode, string]
	ListOutcome         = Outcome[ListCode, []string]
)

// MkdirCode is the status of Mkdir.
type MkdirCode int

const (
	MkdirFailed MkdirCode = iota
	MkdirCreated
	MkdirUnchanged
)

func (c MkdirCode) OK() bool { return c == MkdirCreated || c == MkdirUnchanged }

func (c MkdirCode) String() string {
	switch c {
	case MkdirCreated:
		return "created"
	case MkdirUnchanged:
		return "unchanged"
	default:
		return "mkdir_failed"
	}
}

// WriteCode is the status of Write.
type WriteCode int

const (
	WriteFailed WriteCode = iota
	WriteOK
)

func (c WriteCode) OK() bool { return c == WriteOK }

func (c WriteCode) String() string {
	if c == WriteOK {
		return "ok"
	}
	return "write_failed"
}

// ReadCode is the status of Read.
type ReadCode int

const (
	ReadFailed ReadCode = iota
	ReadOK
	ReadNotFound
)

func (c ReadCode) OK() bool { return c == ReadOK }

func (c ReadCode) String() string {
	switch c {
	case ReadOK:
		return "ok"
	case ReadNotFound:
		return "not_found"
	default:
		return "read_failed"
	}
}

// DeleteCode is the status of Delete.
type DeleteCode int

const (
	DeleteFailed DeleteCode = iota
	DeleteOK
)

func (c DeleteCode) OK() bool { return c == DeleteOK }

func (c DeleteCode) String() string {
	if c == DeleteOK {
		return "ok"
	}
	return "delete_failed"
}

// ReadOrCreateCode is the status of ReadOrCreate.
type ReadOrCreateCode int

const (
	ReadOrCreateFailed ReadOrCreateCode = iota
	ReadOrCreateExisting
	ReadOrCreateCreated
)

func (c ReadOrCreateCode) OK() bool { return c == ReadOrCreateExisting || c == ReadOrCreateCreated }

func (c ReadOrCreateCode) String() string {
	switch c {
	case ReadOrCreateExisting:
		return "existing"
	case ReadOrCreateCreated:
		return "created"
	default:
		return "write_failed"
	}
}

// ListCode is the status of List.
type ListCode int

const (
	ListFailed ListCode = iota
	ListOK
	ListNotFound
)

func (c ListCode) OK() bool { return c == ListOK }

func (c ListCode) String() string {
	switch c {
	case ListOK:
		return "ok"
	case ListNotFound:
		return "not_found"
	default:
		return "list_failed"
	}
}
