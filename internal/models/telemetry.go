package models

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// EnergyLogStage is one pipeline stage record inside an energy log file.
type EnergyLogStage struct {
	Name      string  `json:"name"`
	CPUTimeMs float64 `json:"cpuTimeMs"`
	GPUTimeMs float64 `json:"gpuTimeMs"`
}

// EnergyLogSummary aggregates a job's resource usage.
type EnergyLogSummary struct {
	TotalCPUTimeMs    float64 `json:"totalCpuTimeMs"`
	TotalGPUTimeMs    float64 `json:"totalGpuTimeMs"`
	EnergyScore       float64 `json:"energyScore"`
	AverageEfficiency float64 `json:"averageEfficiency"`
	Runs              int     `json:"runs"`
	LastUpdated       string  `json:"lastUpdated"`
	Complexity        string  `json:"complexity"`
	SuccessRate       float64 `json:"successRate"`
}

// EnergyLog is the on-disk input of the telemetry submitter, one per job.
type EnergyLog struct {
	JobID   string           `json:"jobId"`
	Agent   string           `json:"agent"`
	Stages  []EnergyLogStage `json:"stages"`
	Summary EnergyLogSummary `json:"summary"`
}

// Attestation is the EnergyAttestation typed-data message. Field order
// matches the on-chain struct and must be preserved when signing.
type Attestation struct {
	JobID      *big.Int       `json:"jobId"`
	User       common.Address `json:"user"`
	Energy     *big.Int       `json:"energy"`
	Degeneracy *big.Int       `json:"degeneracy"`
	EpochID    *big.Int       `json:"epochId"`
	Role       uint8          `json:"role"`
	Nonce      *big.Int       `json:"nonce"`
	Deadline   *big.Int       `json:"deadline"`
	UPre       *big.Int       `json:"uPre"`
	UPost      *big.Int       `json:"uPost"`
	Value      *big.Int       `json:"value"`
}
