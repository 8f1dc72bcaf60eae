package app

import (
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
	"github.com/talkincode/wagate/internal/domain"
	"github.com/talkincode/wagate/internal/queue"
	"github.com/talkincode/wagate/internal/registry"
	"github.com/talkincode/wagate/pkg/metrics"
	"go.uber.org/zap"
)

// RegistryDeviceProvider adapts the device registry to the queue's device
// lookup interface.
type RegistryDeviceProvider struct {
	reg *registry.Registry
}

func NewRegistryDeviceProvider(reg *registry.Registry) *RegistryDeviceProvider {
	return &RegistryDeviceProvider{reg: reg}
}

func (p *RegistryDeviceProvider) Device(id string) (queue.Device, error) {
	if !p.reg.DeviceReady(id) {
		return queue.Device{Ready: false}, nil
	}
	sender, err := p.reg.Sender(id)
	if err != nil {
		return queue.Device{}, err
	}
	return queue.Device{Ready: true, Sender: sender}, nil
}

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

func (a *Application) initJob() {
	loc, _ := time.LoadLocation(a.appConfig.System.Location)
	a.sched = cron.New(cron.WithLocation(loc), cron.WithParser(cronParser))

	var err error
	_, err = a.sched.AddFunc("@every 30s", func() {
		go a.SchedSystemMonitorTask()
		go a.SchedProcessMonitorTask()
	})
	if err != nil {
		zap.S().Errorf("init job error %s", err.Error())
	}

	// Drop health snapshot rows for devices with no activity in 30 days.
	_, err = a.sched.AddFunc("@daily", func() {
		a.gormDB.
			Where("updated_at < ?", time.Now().
				Add(-time.Hour*24*30)).Delete(&domain.WhatsAppDeviceHealth{})
	})
	if err != nil {
		zap.S().Errorf("init job error %s", err.Error())
	}

	a.sched.Start()
}

// SchedSystemMonitorTask system monitor
func (a *Application) SchedSystemMonitorTask() {
	defer func() {
		if err := recover(); err != nil {
			zap.S().Error(err)
		}
	}()

	_cpuuse, err := cpu.Percent(0, false)
	if err == nil && len(_cpuuse) > 0 {
		metrics.SetGauge("system_cpuuse", int64(_cpuuse[0]*100)) // Store as percentage * 100
	}

	_meminfo, err := mem.VirtualMemory()
	if err == nil {
		metrics.SetGauge("system_memuse", int64(_meminfo.Used/1024/1024))
	}
}

// SchedProcessMonitorTask app process monitor
func (a *Application) SchedProcessMonitorTask() {
	defer func() {
		if err := recover(); err != nil {
			zap.S().Error(err)
		}
	}()

	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return
	}

	cpuuse, err := p.CPUPercent()
	if err == nil {
		metrics.SetGauge("wagate_cpuuse", int64(cpuuse*100)) // Store as percentage * 100
	}

	meminfo, err := p.MemoryInfo()
	if err == nil {
		metrics.SetGauge("wagate_memuse", int64(meminfo.RSS/1024/1024))
	}
}
