package store

import (
	"time"

	"github.com/stratomesh/stratomesh/internal/domain"
)

// Deep-copy helpers. Every object handed out of or into the DataStore is
// cloned so callers can never mutate shared state behind the lock.

func cloneNode(n *domain.Node) *domain.Node {
	if n == nil {
		return nil
	}

	clone := *n

	if n.Labels != nil {
		clone.Labels = make(map[string]string, len(n.Labels))
		for k, v := range n.Labels {
			clone.Labels[k] = v
		}
	}
	clone.SupportedImages = append([]string(nil), n.SupportedImages...)
	clone.HardwareInventory.StorageDevices = append([]domain.StorageDevice(nil), n.HardwareInventory.StorageDevices...)
	clone.HardwareInventory.GPUs = append([]domain.GPUDevice(nil), n.HardwareInventory.GPUs...)
	clone.Obligations = append([]domain.SystemVMObligation(nil), n.Obligations...)

	if n.Pricing != nil {
		p := *n.Pricing
		clone.Pricing = &p
	}
	if n.LatestMetrics != nil {
		m := *n.LatestMetrics
		clone.LatestMetrics = &m
	}
	if n.Reputation.FailedHeartbeats != nil {
		clone.Reputation.FailedHeartbeats = make(map[string]int, len(n.Reputation.FailedHeartbeats))
		for k, v := range n.Reputation.FailedHeartbeats {
			clone.Reputation.FailedHeartbeats[k] = v
		}
	}
	if n.Reputation.DowntimeStartedAt != nil {
		t := *n.Reputation.DowntimeStartedAt
		clone.Reputation.DowntimeStartedAt = &t
	}
	if n.PerformanceEvaluation != nil {
		e := *n.PerformanceEvaluation
		e.EligibleTiers = append([]domain.QualityTier(nil), n.PerformanceEvaluation.EligibleTiers...)
		e.TierCapabilities = append([]domain.TierCapability(nil), n.PerformanceEvaluation.TierCapabilities...)
		clone.PerformanceEvaluation = &e
	}
	if n.DhtInfo != nil {
		d := *n.DhtInfo
		if n.DhtInfo.UpdatedAt != nil {
			t := *n.DhtInfo.UpdatedAt
			d.UpdatedAt = &t
		}
		clone.DhtInfo = &d
	}
	if n.RelayInfo != nil {
		r := *n.RelayInfo
		r.ConnectedNodeIDs = append([]string(nil), n.RelayInfo.ConnectedNodeIDs...)
		clone.RelayInfo = &r
	}
	if n.CgnatInfo != nil {
		c := *n.CgnatInfo
		clone.CgnatInfo = &c
	}

	return &clone
}

func cloneVM(vm *domain.VirtualMachine) *domain.VirtualMachine {
	if vm == nil {
		return nil
	}

	clone := *vm

	if vm.Labels != nil {
		clone.Labels = make(map[string]string, len(vm.Labels))
		for k, v := range vm.Labels {
			clone.Labels[k] = v
		}
	}
	clone.Network.AllowedPorts = append([]int(nil), vm.Network.AllowedPorts...)
	clone.Network.PortMappings = append([]domain.PortMapping(nil), vm.Network.PortMappings...)
	clone.Services = cloneServices(vm.Services)

	clone.CommandIssuedAt = cloneTime(vm.CommandIssuedAt)
	clone.Billing.StartedAt = cloneTime(vm.Billing.StartedAt)

	return &clone
}

func cloneServices(services []domain.ServiceStatus) []domain.ServiceStatus {
	if services == nil {
		return nil
	}
	out := make([]domain.ServiceStatus, len(services))
	for i, svc := range services {
		out[i] = svc
		out[i].ReadyAt = cloneTime(svc.ReadyAt)
	}
	return out
}

func cloneUser(u *domain.User) *domain.User {
	if u == nil {
		return nil
	}
	clone := *u
	return &clone
}

func cloneRegistration(reg *domain.CommandRegistration) *domain.CommandRegistration {
	if reg == nil {
		return nil
	}
	clone := *reg
	clone.CompletedAt = cloneTime(reg.CompletedAt)
	return &clone
}

func cloneEvent(ev *domain.Event) *domain.Event {
	if ev == nil {
		return nil
	}
	clone := *ev
	if ev.Data != nil {
		clone.Data = make(map[string]string, len(ev.Data))
		for k, v := range ev.Data {
			clone.Data[k] = v
		}
	}
	return &clone
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
