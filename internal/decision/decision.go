// Package decision turns an authorization reply into a header mutation or a
// synthesized rejection.
package decision

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/net/http/httpguts"

	"github.com/okra-platform/authzfilter/internal/wire"
)

// DenyStatus is the status of every synthesized denial.
const DenyStatus = http.StatusUnauthorized

// DefaultIdentityHeader carries FilterResponse.User to the upstream.
const DefaultIdentityHeader = "x-authz-user"

// ErrMergeIncomplete is returned when an allow decision could not be fully
// applied. Any headers already written have been restored.
var ErrMergeIncomplete = errors.New("header merge incomplete")

// Kind is the disposition of a decision.
type Kind int

const (
	Allow Kind = iota
	Deny
)

func (k Kind) String() string {
	if k == Deny {
		return "deny"
	}
	return "allow"
}

// HeaderMutator is the slice of the host needed to rewrite request headers.
type HeaderMutator interface {
	RequestHeader(name string) (string, bool)
	SetRequestHeader(name, value string) error
	RemoveRequestHeader(name string) error
}

// Options tune how a decision is applied.
type Options struct {
	// IdentityHeader receives FilterResponse.User when it is not empty.
	// Empty disables identity propagation.
	IdentityHeader string
}

// Outcome is what the caller has to do with the stream.
type Outcome struct {
	Kind Kind

	// Set on Deny.
	Status  int
	Headers []wire.Header
	Body    []byte

	// Applied is the number of headers written on Allow.
	Applied int
}

// Apply executes the decision against the request.
//
// Allow merges the reply headers with last-write-wins and then writes the
// identity header. The merge is all or nothing: invalid names or values are
// rejected up front, and if the host refuses a write the headers written so
// far are put back before ErrMergeIncomplete is returned.
//
// Deny never touches the request. The body is the reply message verbatim,
// so an empty message gives an empty body.
func Apply(m HeaderMutator, resp wire.FilterResponse, opts Options) (Outcome, error) {
	if !resp.Allow {
		return deny(resp.Message), nil
	}

	plan := make([]wire.Header, 0, resp.Headers.Len()+1)
	for k, v := range resp.Headers.All() {
		plan = append(plan, wire.Header{Name: k, Value: v})
	}
	if resp.User != "" && opts.IdentityHeader != "" {
		plan = append(plan, wire.Header{Name: opts.IdentityHeader, Value: resp.User})
	}

	for _, h := range plan {
		if !httpguts.ValidHeaderFieldName(h.Name) {
			return Outcome{}, fmt.Errorf("%w: invalid header name %q", ErrMergeIncomplete, h.Name)
		}
		if !httpguts.ValidHeaderFieldValue(h.Value) {
			return Outcome{}, fmt.Errorf("%w: invalid value for header %q", ErrMergeIncomplete, h.Name)
		}
	}

	var undo []original
	saved := make(map[string]bool, len(plan))
	for _, h := range plan {
		key := strings.ToLower(h.Name)
		if !saved[key] {
			prev, existed := m.RequestHeader(h.Name)
			undo = append(undo, original{name: h.Name, value: prev, existed: existed})
			saved[key] = true
		}

		if err := m.SetRequestHeader(h.Name, h.Value); err != nil {
			err = fmt.Errorf("%w: set %q: %w", ErrMergeIncomplete, h.Name, err)
			if rbErr := rollback(m, undo); rbErr != nil {
				err = errors.Join(err, rbErr)
			}
			return Outcome{}, err
		}
	}

	return Outcome{Kind: Allow, Applied: len(plan)}, nil
}

type original struct {
	name    string
	value   string
	existed bool
}

func rollback(m HeaderMutator, undo []original) error {
	var errs []error
	for i := len(undo) - 1; i >= 0; i-- {
		o := undo[i]
		var err error
		if o.existed {
			err = m.SetRequestHeader(o.name, o.value)
		} else {
			err = m.RemoveRequestHeader(o.name)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("restore %q: %w", o.name, err))
		}
	}
	return errors.Join(errs...)
}

func deny(message string) Outcome {
	out := Outcome{Kind: Deny, Status: DenyStatus}
	if message != "" {
		out.Body = []byte(message)
		out.Headers = []wire.Header{{Name: "content-type", Value: "text/plain; charset=utf-8"}}
	}
	return out
}

// Reject builds a rejection that is not backed by a reply, used for failed
// calls under fail-closed.
func Reject(status int, message string) Outcome {
	out := deny(message)
	if status > 0 {
		out.Status = status
	}
	return out
}
