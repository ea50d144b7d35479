package main

import (
	"net"
	"syscall"
	"time"

	"github.com/forgecanvas/comfybroker/internal/api"
	"github.com/forgecanvas/comfybroker/internal/config"
	"github.com/forgecanvas/comfybroker/internal/domain"
	"github.com/forgecanvas/comfybroker/internal/scheduler"
)

// computeHealth reports disk headroom, upstream reachability and
// queue depth for GET /healthz.
func computeHealth(cfg *config.Config, sched *scheduler.Scheduler) api.HealthReport {
	freeMB := diskFreeMB(cfg.OutputDir)
	upstreamUp := dialUpstream(cfg.ComfyUIAddress)
	depth := queueDepth(sched)

	status := "ok"
	if freeMB < cfg.HealthzDiskMinFreeMB || !upstreamUp {
		status = "degraded"
	}

	return api.HealthReport{
		Status:     status,
		DiskFreeMB: freeMB,
		UpstreamUp: upstreamUp,
		QueueDepth: depth,
	}
}

func diskFreeMB(path string) int64 {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return -1
	}
	return int64(stat.Bavail) * int64(stat.Bsize) / (1024 * 1024)
}

func dialUpstream(addr string) bool {
	conn, err := net.DialTimeout("tcp", addr, 1*time.Second)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

func queueDepth(sched *scheduler.Scheduler) int {
	jobs := sched.ListJobs(100)
	depth := 0
	for _, j := range jobs {
		if j.Status == domain.JobQueued {
			depth++
		}
	}
	return depth
}
