package perfmon

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	ghost "github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
)

// TotalInstance is the aggregate instance of multi-instance categories.
const TotalInstance = "_Total"

const megabyte = 1024 * 1024

func gauge(read readFunc) localCounter {
	return func(context.Context, string) (Handle, error) {
		return &gaugeHandle{read: read}, nil
	}
}

// ---------------------------------------------------------------------------
// Processor

func processorCategory() *localCategory {
	ratio := func(part func(cpu.TimesStat) float64) localCounter {
		return func(_ context.Context, instance string) (Handle, error) {
			return &ratioHandle{read: func(ctx context.Context) (float64, float64, error) {
				t, err := cpuTimes(ctx, instance)
				if err != nil {
					return 0, 0, err
				}
				return part(t), totalTime(t), nil
			}}, nil
		}
	}

	return &localCategory{
		name: "Processor",
		typ:  MultiInstance,
		instances: func(ctx context.Context) ([]string, error) {
			n, err := cpu.CountsWithContext(ctx, true)
			if err != nil {
				return nil, err
			}
			names := make([]string, 0, n+1)
			for i := 0; i < n; i++ {
				names = append(names, strconv.Itoa(i))
			}
			return append(names, TotalInstance), nil
		},
		counters: map[string]localCounter{
			"% Processor Time": ratio(func(t cpu.TimesStat) float64 {
				return totalTime(t) - t.Idle - t.Iowait
			}),
			"% User Time":       ratio(func(t cpu.TimesStat) float64 { return t.User + t.Nice }),
			"% Privileged Time": ratio(func(t cpu.TimesStat) float64 { return t.System }),
			"% Idle Time":       ratio(func(t cpu.TimesStat) float64 { return t.Idle }),
			"% Interrupt Time":  ratio(func(t cpu.TimesStat) float64 { return t.Irq + t.Softirq }),
		},
	}
}

func cpuTimes(ctx context.Context, instance string) (cpu.TimesStat, error) {
	if instance == TotalInstance {
		all, err := cpu.TimesWithContext(ctx, false)
		if err != nil {
			return cpu.TimesStat{}, err
		}
		if len(all) == 0 {
			return cpu.TimesStat{}, fmt.Errorf("processor %s: %w", instance, ErrNotFound)
		}
		return all[0], nil
	}

	idx, err := strconv.Atoi(instance)
	if err != nil {
		return cpu.TimesStat{}, fmt.Errorf("processor %q: %w", instance, ErrNotFound)
	}
	per, err := cpu.TimesWithContext(ctx, true)
	if err != nil {
		return cpu.TimesStat{}, err
	}
	if idx < 0 || idx >= len(per) {
		return cpu.TimesStat{}, fmt.Errorf("processor %d: %w", idx, ErrNotFound)
	}
	return per[idx], nil
}

// totalTime excludes guest time, which is already accounted in user time.
func totalTime(t cpu.TimesStat) float64 {
	return t.User + t.System + t.Idle + t.Nice + t.Iowait + t.Irq + t.Softirq + t.Steal
}

// ---------------------------------------------------------------------------
// Memory

func memoryCategory() *localCategory {
	vm := func(field func(*mem.VirtualMemoryStat) float64) localCounter {
		return gauge(func(ctx context.Context) (float64, error) {
			v, err := mem.VirtualMemoryWithContext(ctx)
			if err != nil {
				return 0, err
			}
			return field(v), nil
		})
	}

	return &localCategory{
		name: "Memory",
		typ:  SingleInstance,
		counters: map[string]localCounter{
			"Available Bytes":          vm(func(v *mem.VirtualMemoryStat) float64 { return float64(v.Available) }),
			"Available KBytes":         vm(func(v *mem.VirtualMemoryStat) float64 { return float64(v.Available) / 1024 }),
			"Available MBytes":         vm(func(v *mem.VirtualMemoryStat) float64 { return float64(v.Available) / megabyte }),
			"Committed Bytes":          vm(func(v *mem.VirtualMemoryStat) float64 { return float64(v.Used) }),
			"% Committed Bytes In Use": vm(func(v *mem.VirtualMemoryStat) float64 { return v.UsedPercent }),
			"Cache Bytes":              vm(func(v *mem.VirtualMemoryStat) float64 { return float64(v.Cached) }),
		},
	}
}

// ---------------------------------------------------------------------------
// LogicalDisk

// pseudoFSTypes are virtual, system and network filesystems that are not
// reported as logical disks.
var pseudoFSTypes = map[string]bool{
	"devfs":         true,
	"autofs":        true,
	"nullfs":        true,
	"tmpfs":         true,
	"sysfs":         true,
	"proc":          true,
	"procfs":        true,
	"devtmpfs":      true,
	"cgroup":        true,
	"cgroup2":       true,
	"overlay":       true,
	"squashfs":      true,
	"fuse.snapfuse": true,
	"nsfs":          true,
	"pstore":        true,
	"debugfs":       true,
	"tracefs":       true,
	"securityfs":    true,
	"configfs":      true,
	"fusectl":       true,
	"mqueue":        true,
	"hugetlbfs":     true,
	"binfmt_misc":   true,
	"efivarfs":      true,
	"bpf":           true,
	"ramfs":         true,
	"nfs":           true,
	"nfs4":          true,
	"cifs":          true,
	"smbfs":         true,
	"fuse.sshfs":    true,
	"9p":            true,
}

// isSystemMount returns true for OS-internal mount points.
func isSystemMount(mount string) bool {
	for _, prefix := range []string{"/System/Volumes/", "/private/var/vm"} {
		if strings.HasPrefix(mount, prefix) {
			return true
		}
	}
	return false
}

func localPartitions(ctx context.Context) ([]disk.PartitionStat, error) {
	partitions, err := disk.PartitionsWithContext(ctx, false)
	if err != nil {
		return nil, err
	}
	var out []disk.PartitionStat
	for _, p := range partitions {
		if pseudoFSTypes[p.Fstype] || isSystemMount(p.Mountpoint) {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func logicalDiskCategory(logger *zap.Logger) *localCategory {
	usage := func(ctx context.Context, instance string) (free, total float64, err error) {
		partitions, err := localPartitions(ctx)
		if err != nil {
			return 0, 0, err
		}
		found := false
		for _, p := range partitions {
			if instance != TotalInstance && p.Mountpoint != instance {
				continue
			}
			u, err := disk.UsageWithContext(ctx, p.Mountpoint)
			if err != nil {
				logger.Debug("Skipping inaccessible partition",
					zap.String("mount", p.Mountpoint),
					zap.Error(err))
				continue
			}
			found = true
			free += float64(u.Free)
			total += float64(u.Total)
		}
		if !found {
			return 0, 0, fmt.Errorf("logical disk %q: %w", instance, ErrNotFound)
		}
		return free, total, nil
	}

	space := func(f func(free, total float64) float64) localCounter {
		return func(_ context.Context, instance string) (Handle, error) {
			return &gaugeHandle{read: func(ctx context.Context) (float64, error) {
				free, total, err := usage(ctx, instance)
				if err != nil {
					return 0, err
				}
				return f(free, total), nil
			}}, nil
		}
	}

	io := func(field func(disk.IOCountersStat) uint64) localCounter {
		return func(_ context.Context, instance string) (Handle, error) {
			return newRateHandle(func(ctx context.Context) (float64, error) {
				return diskIO(ctx, instance, field)
			}, 1), nil
		}
	}

	return &localCategory{
		name: "LogicalDisk",
		typ:  MultiInstance,
		instances: func(ctx context.Context) ([]string, error) {
			partitions, err := localPartitions(ctx)
			if err != nil {
				return nil, err
			}
			names := make([]string, 0, len(partitions)+1)
			for _, p := range partitions {
				names = append(names, p.Mountpoint)
			}
			return append(names, TotalInstance), nil
		},
		counters: map[string]localCounter{
			"% Free Space": space(func(free, total float64) float64 {
				if total == 0 {
					return 0
				}
				return free / total * 100
			}),
			"Free Megabytes":       space(func(free, _ float64) float64 { return free / megabyte }),
			"Disk Reads/sec":       io(func(s disk.IOCountersStat) uint64 { return s.ReadCount }),
			"Disk Writes/sec":      io(func(s disk.IOCountersStat) uint64 { return s.WriteCount }),
			"Disk Read Bytes/sec":  io(func(s disk.IOCountersStat) uint64 { return s.ReadBytes }),
			"Disk Write Bytes/sec": io(func(s disk.IOCountersStat) uint64 { return s.WriteBytes }),
		},
	}
}

func diskIO(ctx context.Context, instance string, field func(disk.IOCountersStat) uint64) (float64, error) {
	counters, err := disk.IOCountersWithContext(ctx)
	if err != nil {
		return 0, err
	}
	if instance == TotalInstance {
		var sum uint64
		for _, s := range counters {
			sum += field(s)
		}
		return float64(sum), nil
	}

	partitions, err := localPartitions(ctx)
	if err != nil {
		return 0, err
	}
	for _, p := range partitions {
		if p.Mountpoint != instance {
			continue
		}
		for _, key := range []string{filepath.Base(p.Device), p.Device} {
			if s, ok := counters[key]; ok {
				return float64(field(s)), nil
			}
		}
	}
	return 0, fmt.Errorf("io counters for %q: %w", instance, ErrNotFound)
}

// ---------------------------------------------------------------------------
// Network Interface

func networkCategory() *localCategory {
	rate := func(field func(gnet.IOCountersStat) uint64) localCounter {
		return func(_ context.Context, instance string) (Handle, error) {
			return newRateHandle(func(ctx context.Context) (float64, error) {
				counters, err := gnet.IOCountersWithContext(ctx, true)
				if err != nil {
					return 0, err
				}
				for _, c := range counters {
					if c.Name == instance {
						return float64(field(c)), nil
					}
				}
				return 0, fmt.Errorf("network interface %q: %w", instance, ErrNotFound)
			}, 1), nil
		}
	}

	return &localCategory{
		name: "Network Interface",
		typ:  MultiInstance,
		instances: func(ctx context.Context) ([]string, error) {
			counters, err := gnet.IOCountersWithContext(ctx, true)
			if err != nil {
				return nil, err
			}
			names := make([]string, 0, len(counters))
			for _, c := range counters {
				names = append(names, c.Name)
			}
			return names, nil
		},
		counters: map[string]localCounter{
			"Bytes Received/sec":   rate(func(c gnet.IOCountersStat) uint64 { return c.BytesRecv }),
			"Bytes Sent/sec":       rate(func(c gnet.IOCountersStat) uint64 { return c.BytesSent }),
			"Bytes Total/sec":      rate(func(c gnet.IOCountersStat) uint64 { return c.BytesRecv + c.BytesSent }),
			"Packets Received/sec": rate(func(c gnet.IOCountersStat) uint64 { return c.PacketsRecv }),
			"Packets Sent/sec":     rate(func(c gnet.IOCountersStat) uint64 { return c.PacketsSent }),
			"Packets/sec":          rate(func(c gnet.IOCountersStat) uint64 { return c.PacketsRecv + c.PacketsSent }),
		},
	}
}

// ---------------------------------------------------------------------------
// Process

type processInstance struct {
	name string
	pid  int32
}

// processInstances names running processes the way the Windows facility
// does: the first process with a given name keeps it, later ones get "#N".
func processInstances(ctx context.Context) ([]processInstance, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	var list []processInstance
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil || name == "" {
			continue
		}
		list = append(list, processInstance{name: strings.TrimSuffix(name, ".exe"), pid: p.Pid})
	}
	return nameInstances(list), nil
}

func nameInstances(list []processInstance) []processInstance {
	sort.Slice(list, func(i, j int) bool {
		if list[i].name != list[j].name {
			return list[i].name < list[j].name
		}
		return list[i].pid < list[j].pid
	})
	seen := make(map[string]int)
	for i := range list {
		base := list[i].name
		if n := seen[base]; n > 0 {
			list[i].name = base + "#" + strconv.Itoa(n)
		}
		seen[base]++
	}
	return list
}

func processCategory() *localCategory {
	bind := func(open func(p *process.Process) Handle) localCounter {
		return func(ctx context.Context, instance string) (Handle, error) {
			list, err := processInstances(ctx)
			if err != nil {
				return nil, err
			}
			for _, pi := range list {
				if pi.name == instance {
					p, err := process.NewProcessWithContext(ctx, pi.pid)
					if err != nil {
						return nil, err
					}
					return open(p), nil
				}
			}
			return nil, fmt.Errorf("process %q: %w", instance, ErrNotFound)
		}
	}

	return &localCategory{
		name: "Process",
		typ:  MultiInstance,
		instances: func(ctx context.Context) ([]string, error) {
			list, err := processInstances(ctx)
			if err != nil {
				return nil, err
			}
			names := make([]string, len(list))
			for i, pi := range list {
				names[i] = pi.name
			}
			return names, nil
		},
		counters: map[string]localCounter{
			"% Processor Time": bind(func(p *process.Process) Handle {
				return newRateHandle(func(ctx context.Context) (float64, error) {
					t, err := p.TimesWithContext(ctx)
					if err != nil {
						return 0, err
					}
					return t.User + t.System, nil
				}, 100)
			}),
			"Working Set": bind(func(p *process.Process) Handle {
				return &gaugeHandle{read: func(ctx context.Context) (float64, error) {
					m, err := p.MemoryInfoWithContext(ctx)
					if err != nil {
						return 0, err
					}
					return float64(m.RSS), nil
				}}
			}),
			"Virtual Bytes": bind(func(p *process.Process) Handle {
				return &gaugeHandle{read: func(ctx context.Context) (float64, error) {
					m, err := p.MemoryInfoWithContext(ctx)
					if err != nil {
						return 0, err
					}
					return float64(m.VMS), nil
				}}
			}),
			"Thread Count": bind(func(p *process.Process) Handle {
				return &gaugeHandle{read: func(ctx context.Context) (float64, error) {
					n, err := p.NumThreadsWithContext(ctx)
					return float64(n), err
				}}
			}),
			"ID Process": bind(func(p *process.Process) Handle {
				return &gaugeHandle{read: func(ctx context.Context) (float64, error) {
					if ok, err := p.IsRunningWithContext(ctx); err != nil || !ok {
						return 0, fmt.Errorf("process %d exited", p.Pid)
					}
					return float64(p.Pid), nil
				}}
			}),
			"Elapsed Time": bind(func(p *process.Process) Handle {
				return &gaugeHandle{read: func(ctx context.Context) (float64, error) {
					ms, err := p.CreateTimeWithContext(ctx)
					if err != nil {
						return 0, err
					}
					return time.Since(time.UnixMilli(ms)).Seconds(), nil
				}}
			}),
		},
	}
}

// ---------------------------------------------------------------------------
// System

func systemCategory() *localCategory {
	return &localCategory{
		name: "System",
		typ:  SingleInstance,
		counters: map[string]localCounter{
			"System Up Time": gauge(func(ctx context.Context) (float64, error) {
				uptime, err := ghost.UptimeWithContext(ctx)
				return float64(uptime), err
			}),
			"Processes": gauge(func(ctx context.Context) (float64, error) {
				pids, err := process.PidsWithContext(ctx)
				return float64(len(pids)), err
			}),
		},
	}
}
