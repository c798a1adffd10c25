package requesttrace

import (
	"context"
	"errors"

	platformauth "github.com/zenGate-Global/hospital-ops-core/platform/go/auth"
)

type contextKey string

const ctxTrace contextKey = "HOSPITAL_OPS_REQUEST_TRACE"

// ActorKind represents who initiated a request.
type ActorKind string

const (
	ActorKindUser      ActorKind = "user"
	ActorKindAnonymous ActorKind = "anonymous"
	ActorKindSystem    ActorKind = "system"
)

// Trace captures request-scoped metadata stamped onto audit records.
// UserID and TenantID are empty for anonymous and system actors.
type Trace struct {
	ActorKind ActorKind
	UserID    string
	TenantID  string
	RequestID string
	IP        string
	Path      string
}

// IntoContext stores the Trace in the provided context.
func IntoContext(ctx context.Context, trace Trace) context.Context {
	return context.WithValue(ctx, ctxTrace, trace)
}

// FromContext extracts the Trace from context, returning false when not present.
func FromContext(ctx context.Context) (Trace, bool) {
	if ctx == nil {
		return Trace{}, false
	}
	trace, ok := ctx.Value(ctxTrace).(Trace)
	return trace, ok
}

// FromContextOrSystem returns the stored Trace, or a system trace for background work.
func FromContextOrSystem(ctx context.Context) Trace {
	if trace, ok := FromContext(ctx); ok {
		return trace
	}
	return System("")
}

// FromSession builds a user Trace from a resolved session.
func FromSession(session platformauth.Session, requestID, ip, path string) (Trace, error) {
	if session.UserID == "" {
		return Trace{}, errors.New("user id is required to build request trace")
	}

	return Trace{
		ActorKind: ActorKindUser,
		UserID:    session.UserID,
		TenantID:  session.ActiveTenantID,
		RequestID: requestID,
		IP:        ip,
		Path:      path,
	}, nil
}

// Anonymous builds a Trace for unauthenticated requests such as login.
func Anonymous(requestID, ip, path string) Trace {
	return Trace{ActorKind: ActorKindAnonymous, RequestID: requestID, IP: ip, Path: path}
}

// System builds a Trace for background operations.
func System(requestID string) Trace {
	return Trace{ActorKind: ActorKindSystem, RequestID: requestID}
}
