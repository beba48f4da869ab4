// Package domain contains core business entities for the Stratomesh platform.
// This file defines owner accounts and their resource quotas.
package domain

import (
	"time"
)

// Quota caps the resources one owner may hold concurrently.
type Quota struct {
	MaxVMs          int   `json:"max_vms"`
	MaxCores        int   `json:"max_cores"`
	MaxMemoryBytes  int64 `json:"max_memory_bytes"`
	MaxStorageBytes int64 `json:"max_storage_bytes"`
}

// QuotaUsage is the owner's current consumption, maintained transactionally
// with VM create/delete.
type QuotaUsage struct {
	VMs          int   `json:"vms"`
	Cores        int   `json:"cores"`
	MemoryBytes  int64 `json:"memory_bytes"`
	StorageBytes int64 `json:"storage_bytes"`
}

// User is an owner account keyed by wallet address.
type User struct {
	ID        string     `json:"id"`
	Wallet    string     `json:"wallet"`
	Quota     Quota      `json:"quota"`
	Usage     QuotaUsage `json:"usage"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// CheckQuota returns a QuotaError describing the first exceeded dimension
// when adding the given VM shape, or nil when it fits.
func (u *User) CheckQuota(cores int, memoryBytes, storageBytes int64) error {
	if u.Quota.MaxVMs > 0 && u.Usage.VMs+1 > u.Quota.MaxVMs {
		return QuotaError("QUOTA_VMS", "vm quota exceeded")
	}
	if u.Quota.MaxCores > 0 && u.Usage.Cores+cores > u.Quota.MaxCores {
		return QuotaError("QUOTA_CORES", "cpu core quota exceeded")
	}
	if u.Quota.MaxMemoryBytes > 0 && u.Usage.MemoryBytes+memoryBytes > u.Quota.MaxMemoryBytes {
		return QuotaError("QUOTA_MEMORY", "memory quota exceeded")
	}
	if u.Quota.MaxStorageBytes > 0 && u.Usage.StorageBytes+storageBytes > u.Quota.MaxStorageBytes {
		return QuotaError("QUOTA_STORAGE", "storage quota exceeded")
	}
	return nil
}

// AddUsage charges a VM shape against the owner.
func (u *User) AddUsage(cores int, memoryBytes, storageBytes int64) {
	u.Usage.VMs++
	u.Usage.Cores += cores
	u.Usage.MemoryBytes += memoryBytes
	u.Usage.StorageBytes += storageBytes
}

// ReleaseUsage returns a VM shape to the owner, floored at zero so duplicate
// release events cannot drive usage negative.
func (u *User) ReleaseUsage(cores int, memoryBytes, storageBytes int64) {
	u.Usage.VMs = maxInt(0, u.Usage.VMs-1)
	u.Usage.Cores = maxInt(0, u.Usage.Cores-cores)
	u.Usage.MemoryBytes = max64(0, u.Usage.MemoryBytes-memoryBytes)
	u.Usage.StorageBytes = max64(0, u.Usage.StorageBytes-storageBytes)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
