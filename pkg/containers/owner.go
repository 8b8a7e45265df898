package containers

import (
	"context"
	"os"
	"strconv"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/rhuss/mcpbridge/pkg/debug"
)

// Owner identifies the gateway process that created a container. Started
// is the process creation time in milliseconds since the epoch and guards
// against a reused pid.
type Owner struct {
	Host    string
	PID     int
	Started int64
}

// AliveFunc reports whether the owner process still runs on this host.
// It must answer true when it cannot tell.
type AliveFunc func(ctx context.Context, o Owner) bool

// currentOwner describes the running process.
func currentOwner() Owner {
	host, err := os.Hostname()
	if err != nil {
		debug.Log("containers", "hostname unavailable", "error", err)
	}
	o := Owner{Host: host, PID: os.Getpid()}
	if p, err := process.NewProcess(int32(o.PID)); err == nil {
		if created, err := p.CreateTime(); err == nil {
			o.Started = created
		}
	}
	return o
}

func (o Owner) labels() map[string]string {
	return map[string]string{
		LabelHost:    o.Host,
		LabelPID:     strconv.Itoa(o.PID),
		LabelStarted: strconv.FormatInt(o.Started, 10),
	}
}

// ownerFromLabels reads the owner of a container. ok is false when the
// labels do not identify one.
func ownerFromLabels(labels map[string]string) (o Owner, ok bool) {
	o.Host = labels[LabelHost]
	pid, err := strconv.Atoi(labels[LabelPID])
	if err != nil || pid <= 0 || o.Host == "" {
		return Owner{}, false
	}
	o.PID = pid
	o.Started, _ = strconv.ParseInt(labels[LabelStarted], 10, 64)
	return o, true
}

// processAlive checks the process table of this host. A process with the
// owner's pid but a different creation time is a different process.
func processAlive(ctx context.Context, o Owner) bool {
	exists, err := process.PidExistsWithContext(ctx, int32(o.PID))
	if err != nil {
		debug.Log("containers", "process lookup failed", "pid", o.PID, "error", err)
		return true
	}
	if !exists {
		return false
	}
	if o.Started == 0 {
		return true
	}
	p, err := process.NewProcessWithContext(ctx, int32(o.PID))
	if err != nil {
		// The process may have ended between the two lookups.
		return false
	}
	created, err := p.CreateTimeWithContext(ctx)
	if err != nil {
		return true
	}
	return created == o.Started
}
