package server

import (
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// handleSystemStatus reports process and host resource usage for the
// diagnostics surface.
func (s *Server) handleSystemStatus(w http.ResponseWriter, _ *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	response := map[string]interface{}{
		"status": "running",
		"memory": map[string]interface{}{
			"alloc_mb":       m.Alloc / 1024 / 1024,
			"total_alloc_mb": m.TotalAlloc / 1024 / 1024,
			"sys_mb":         m.Sys / 1024 / 1024,
			"num_gc":         m.NumGC,
		},
		"goroutines": runtime.NumGoroutine(),
		"timestamp":  time.Now().Format(time.RFC3339),
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		response["host_memory"] = map[string]interface{}{
			"total_mb":     vm.Total / 1024 / 1024,
			"available_mb": vm.Available / 1024 / 1024,
			"used_percent": vm.UsedPercent,
		}
	}

	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if created, err := proc.CreateTime(); err == nil {
			response["process_created"] = created
		}
	}

	s.writeJSON(w, http.StatusOK, response)
}
