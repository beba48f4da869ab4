// Package ingress defines the hook surface through which VM lifecycle
// changes reach the ingress layer (DNS records, HTTP routing). The concrete
// DNS provider lives outside the control plane; without one configured the
// hook degrades gracefully instead of failing VM operations.
package ingress

import (
	"context"

	"go.uber.org/zap"

	"github.com/stratomesh/stratomesh/internal/domain"
)

// Registration is the ingress layer's answer to a started VM. When no DNS
// provider is configured the record id is empty and IsDnsConfigured is
// false; callers treat that as success.
type Registration struct {
	RecordID        string `json:"record_id,omitempty"`
	Hostname        string `json:"hostname,omitempty"`
	IsDnsConfigured bool   `json:"is_dns_configured"`
}

// Hook receives VM lifecycle notifications. Implementations must be safe
// for concurrent use; errors are External-kind and degrade the feature,
// never the VM operation that triggered the call.
type Hook interface {
	OnVMStarted(ctx context.Context, vm *domain.VirtualMachine) (*Registration, error)
	OnVMDeleted(ctx context.Context, vm *domain.VirtualMachine) error
}

// LogHook is the default hook when no DNS provider is wired. It logs the
// intent and reports the unconfigured degradation.
type LogHook struct {
	logger *zap.Logger
}

var _ Hook = (*LogHook)(nil)

// NewLogHook creates the logging no-op ingress hook.
func NewLogHook(logger *zap.Logger) *LogHook {
	return &LogHook{logger: logger.Named("ingress")}
}

// OnVMStarted records the registration intent. The returned registration
// carries no record id: DNS is not configured.
func (h *LogHook) OnVMStarted(ctx context.Context, vm *domain.VirtualMachine) (*Registration, error) {
	h.logger.Debug("Ingress registration skipped, DNS not configured",
		zap.String("vm_id", vm.ID),
		zap.String("vm_name", vm.Name),
		zap.String("private_ip", vm.Network.PrivateIP),
	)
	return &Registration{IsDnsConfigured: false}, nil
}

// OnVMDeleted records the deregistration intent.
func (h *LogHook) OnVMDeleted(ctx context.Context, vm *domain.VirtualMachine) error {
	h.logger.Debug("Ingress removal skipped, DNS not configured",
		zap.String("vm_id", vm.ID),
		zap.String("vm_name", vm.Name),
	)
	return nil
}
