package concurrency

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
)

// Sizing is the capacity the process derives from its CPU budget, possibly
// overridden through the environment.
type Sizing struct {
	// MaxConcurrent caps step invocations across all runs.
	MaxConcurrent int
	// MaxInFlightTasks caps node tasks one run driver has dispatched.
	MaxInFlightTasks int
	// DefaultParallelism applies to nodes that leave parallelism unset.
	DefaultParallelism int

	CPUs         int
	InKubernetes bool
	// Overridden lists the environment variables that took effect.
	Overridden []string
}

// Environment overrides read by Detect.
const (
	EnvMaxConcurrent      = "DAEDALUS_MAX_CONCURRENT"
	EnvCPUMultiplier      = "DAEDALUS_CONCURRENCY_MULTIPLIER"
	EnvMaxInFlightTasks   = "DAEDALUS_MAX_INFLIGHT_TASKS"
	EnvDefaultParallelism = "DAEDALUS_DEFAULT_PARALLELISM"
)

// Detect sizes the process from GOMAXPROCS, which InitializeForKubernetes
// has aligned with the container quota, and applies positive environment
// overrides.
func Detect() Sizing {
	s := Sizing{
		CPUs:               runtime.GOMAXPROCS(0),
		InKubernetes:       os.Getenv("KUBERNETES_SERVICE_HOST") != "",
		DefaultParallelism: 1,
	}
	// pods get a tighter multiplier since their quota is hard
	perCPU, minTasks := 4, 8
	if s.InKubernetes {
		perCPU, minTasks = 2, 4
	}
	s.MaxConcurrent = s.CPUs * perCPU
	s.MaxInFlightTasks = max(s.CPUs*perCPU/2, minTasks)

	if m, ok := s.positiveEnv(EnvCPUMultiplier); ok {
		s.MaxConcurrent = s.CPUs * m
	}
	for _, o := range []struct {
		key string
		dst *int
	}{
		{EnvMaxConcurrent, &s.MaxConcurrent},
		{EnvMaxInFlightTasks, &s.MaxInFlightTasks},
		{EnvDefaultParallelism, &s.DefaultParallelism},
	} {
		if n, ok := s.positiveEnv(o.key); ok {
			*o.dst = n
		}
	}
	s.MaxConcurrent = max(s.MaxConcurrent, 1)
	return s
}

func (s *Sizing) positiveEnv(key string) (int, bool) {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil || n <= 0 {
		return 0, false
	}
	s.Overridden = append(s.Overridden, key)
	return n, true
}

func (s Sizing) String() string {
	return fmt.Sprintf("cpus=%d k8s=%t max_concurrent=%d max_in_flight_tasks=%d default_parallelism=%d overridden=%v",
		s.CPUs, s.InKubernetes, s.MaxConcurrent, s.MaxInFlightTasks, s.DefaultParallelism, s.Overridden)
}
