package sandbox

import (
	"context"
	"log/slog"
	"sync"

	"github.com/ocx/cognigate/internal/cgerrors"
	"github.com/ocx/cognigate/internal/identity"
	"github.com/ocx/cognigate/internal/types"
)

// IdentityVerifyingHook wraps another Hook and additionally verifies the
// sandboxed handler's SPIFFE workload identity before letting
// BeforeExecute provision a container, for deployments where handlers
// run as separate workloads rather than in-process. Adapted from
// identity.SPIFFEVerifier: if the SPIRE agent is unreachable at
// construction, verification is disabled and every handler runs under
// the wrapped Hook alone, the same availability fallback
// ProcessIsolationHook applies to its own runtime probe.
type IdentityVerifyingHook struct {
	next        Hook
	verifier    *identity.SPIFFEVerifier
	trustDomain string

	warnOnce sync.Once
}

// NewIdentityVerifyingHook connects to the SPIRE workload API at
// socketPath and wraps next. A connection failure is logged and
// verification is skipped rather than blocking every execution.
func NewIdentityVerifyingHook(next Hook, socketPath, trustDomain string) *IdentityVerifyingHook {
	verifier, err := identity.NewSPIFFEVerifier(socketPath)
	if err != nil {
		slog.Warn("spiffe verifier unavailable, sandboxed handlers run without identity verification", "socket_path", socketPath, "error", err)
		verifier = nil
	}
	return &IdentityVerifyingHook{next: next, verifier: verifier, trustDomain: trustDomain}
}

func (h *IdentityVerifyingHook) BeforeExecute(ctx context.Context, execCtx types.ExecutionContext, def types.HandlerDefinition) (context.Context, error) {
	if def.Sandboxed && h.verifier != nil {
		spiffeID := identity.GenerateSPIFFEID(h.trustDomain, def.Name)
		if _, err := h.verifier.VerifySVID(spiffeID); err != nil {
			return ctx, cgerrors.New(cgerrors.KindSandboxViolation, "HANDLER_IDENTITY_UNVERIFIED", "handler workload identity could not be verified").Wrap(err)
		}
	} else if def.Sandboxed && h.verifier == nil {
		h.warnOnce.Do(func() {
			slog.Warn("sandboxed handler running without spiffe identity verification", "handler", def.Name)
		})
	}
	return h.next.BeforeExecute(ctx, execCtx, def)
}

func (h *IdentityVerifyingHook) AfterExecute(ctx context.Context, execCtx types.ExecutionContext, def types.HandlerDefinition, outputs map[string]interface{}, execErr error) {
	h.next.AfterExecute(ctx, execCtx, def, outputs, execErr)
}

// Close releases the underlying SPIFFE workload API connection, if one
// was established.
func (h *IdentityVerifyingHook) Close() error {
	if h.verifier == nil {
		return nil
	}
	return h.verifier.Close()
}
