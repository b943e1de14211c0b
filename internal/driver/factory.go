package driver

import (
	"fmt"
	"log/slog"

	"github.com/flexinfer/realsched/internal/config"
	"github.com/flexinfer/realsched/internal/k8s"
)

// Backends lists the driver names New accepts.
var Backends = []string{"local", "lsf", "openpbs", "k8s"}

// New builds the driver selected by cfg.Backend for one ensemble run.
func New(cfg *config.Config, ensembleID string, logger *slog.Logger) (Driver, error) {
	batch := BatchOptions{
		PollInterval:    cfg.PollInterval,
		MaxPollFailures: cfg.MaxPollFailures,
		MaxUnknownPolls: cfg.MaxUnknownPolls,
		Logger:          logger,
	}

	switch cfg.Backend {
	case "", "local":
		return NewLocalDriver(&LocalConfig{
			TerminateGrace: cfg.TerminateGrace,
			Logger:         logger,
		}), nil

	case "lsf":
		return NewLSFDriver(&LSFConfig{
			Queue:               cfg.LSFQueue,
			Project:             cfg.LSFProject,
			ResourceRequirement: cfg.LSFResReq,
			ExcludeHosts:        cfg.LSFExcludeHosts,
			BinPath:             cfg.LSFBinPath,
			SubmitRetries:       cfg.SubmitRetries,
			Batch:               batch,
		}), nil

	case "openpbs":
		return NewOpenPBSDriver(&OpenPBSConfig{
			Queue:          cfg.PBSQueue,
			NumNodes:       cfg.PBSNumNodes,
			NumCPUsPerNode: cfg.PBSNumCPUsPerNode,
			MemoryPerJob:   cfg.PBSMemoryPerJob,
			ClusterLabel:   cfg.PBSClusterLabel,
			JobPrefix:      cfg.JobPrefix,
			KeepQsubOutput: cfg.PBSKeepQsubOutput,
			BinPath:        cfg.PBSBinPath,
			SubmitRetries:  cfg.SubmitRetries,
			Batch:          batch,
		}), nil

	case "k8s":
		jobCfg := k8s.DefaultJobConfig()
		jobCfg.Image = cfg.K8sImage
		jobCfg.RunPathPVC = cfg.K8sPVC
		jobCfg.ServiceAccountName = cfg.K8sServiceAccount
		clientCfg := k8s.DefaultConfig()
		clientCfg.InCluster = cfg.K8sInCluster
		clientCfg.Namespace = cfg.K8sNamespace
		if cfg.K8sKubeconfig != "" {
			clientCfg.Kubeconfig = cfg.K8sKubeconfig
		}
		return NewK8sDriver(&K8sConfig{
			EnsembleID:   ensembleID,
			JobPrefix:    cfg.JobPrefix,
			ClientConfig: clientCfg,
			JobConfig:    jobCfg,
			Batch:        batch,
		})

	default:
		return nil, fmt.Errorf("unknown backend %q (want one of %v)", cfg.Backend, Backends)
	}
}
