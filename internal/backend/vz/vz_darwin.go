//go:build darwin

// Package vz realizes the Apple Virtualization.framework backend in
// process. The framework requires configuration and run calls on the
// process main thread; this backend is the "native" strategy for callers
// that ceded the main thread to an Apple-aware entry point. Everyone else
// goes through the subprocess strategy.
package vz

import (
	"context"
	"fmt"
	"os"
	"time"

	vzf "github.com/Code-Hex/vz/v3"
	"github.com/sirupsen/logrus"

	"github.com/luizribeiro/capsa/capsanet"
	"github.com/luizribeiro/capsa/internal/backend"
	"github.com/luizribeiro/capsa/internal/pty"
)

// Backend is the in-process Virtualization.framework backend.
type Backend struct{}

func New() *Backend { return &Backend{} }

func (b *Backend) Name() string { return "vz" }

func (b *Backend) IsAvailable() error {
	// The framework ships with the OS on every supported macOS version;
	// what can be missing is the entitlement, which only surfaces at
	// start time.
	return nil
}

func (b *Backend) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		Name:         b.Name(),
		MaxVCPUs:     int(vzf.VirtualMachineConfigurationMaximumAllowedCPUCount()),
		MaxMemoryMiB: int(vzf.VirtualMachineConfigurationMaximumAllowedMemorySize() >> 20),
		DirectBoot:   true,
		NativeNAT:    true,
		UserNAT:      true,
		Vsock:        true,
	}
}

func (b *Backend) CmdlineDefaults() string {
	return "console=hvc0 reboot=t panic=-1"
}

func (b *Backend) DefaultRootDevice() string { return "/dev/vda" }

// Start builds the framework configuration and runs the VM. Must execute
// on the process main thread.
func (b *Backend) Start(ctx context.Context, cfg *backend.Config) (backend.Instance, error) {
	log := logrus.WithField("subsys", "vz")

	inst := &instance{
		cfg:  cfg,
		log:  log,
		done: make(chan struct{}),
	}
	vmCfg, err := inst.buildConfig()
	if err != nil {
		inst.cleanup()
		return nil, err
	}
	if ok, err := vmCfg.Validate(); !ok || err != nil {
		inst.cleanup()
		return nil, &backend.HypervisorError{Op: backend.OpFrameworkCall, Cause: err,
			Hint: "check the com.apple.security.virtualization entitlement"}
	}
	vm, err := vzf.NewVirtualMachine(vmCfg)
	if err != nil {
		inst.cleanup()
		return nil, &backend.HypervisorError{Op: backend.OpFrameworkCall, Cause: err}
	}
	inst.vm = vm
	if err := vm.Start(); err != nil {
		inst.cleanup()
		return nil, &backend.HypervisorError{Op: backend.OpFrameworkCall, Cause: err}
	}
	if inst.netStack != nil {
		if err := inst.netStack.Start(); err != nil {
			inst.Kill()
			return nil, fmt.Errorf("start network stack: %w", err)
		}
	}
	go inst.watchState()
	return inst, nil
}

type instance struct {
	cfg *backend.Config
	log *logrus.Entry

	vm        *vzf.VirtualMachine
	ptyMaster *os.File
	ptySlave  *os.File
	netStack  *capsanet.Stack
	netPeer   *os.File

	done chan struct{}
	exit backend.ExitStatus
	err  error
}

// buildConfig translates the resolved config into the framework's
// configuration DSL.
func (inst *instance) buildConfig() (*vzf.VirtualMachineConfiguration, error) {
	cfg := inst.cfg

	var loaderOpts []vzf.LinuxBootLoaderOption
	loaderOpts = append(loaderOpts, vzf.WithCommandLine(cfg.Cmdline))
	if cfg.InitrdPath != "" {
		loaderOpts = append(loaderOpts, vzf.WithInitrd(cfg.InitrdPath))
	}
	bootLoader, err := vzf.NewLinuxBootLoader(cfg.KernelPath, loaderOpts...)
	if err != nil {
		return nil, fmt.Errorf("boot loader: %w", err)
	}

	vmCfg, err := vzf.NewVirtualMachineConfiguration(bootLoader,
		uint(cfg.VCPUs), uint64(cfg.MemoryMiB)<<20)
	if err != nil {
		return nil, fmt.Errorf("vm configuration: %w", err)
	}

	var storage []vzf.StorageDeviceConfiguration
	for _, d := range cfg.Disks {
		attach, err := vzf.NewDiskImageStorageDeviceAttachment(d.Path, d.ReadOnly)
		if err != nil {
			return nil, fmt.Errorf("disk %s: %w", d.Path, err)
		}
		dev, err := vzf.NewVirtioBlockDeviceConfiguration(attach)
		if err != nil {
			return nil, fmt.Errorf("disk %s: %w", d.Path, err)
		}
		storage = append(storage, dev)
	}
	vmCfg.SetStorageDevicesVirtualMachineConfiguration(storage)

	if cfg.Console {
		master, slavePath, err := pty.Open()
		if err != nil {
			return nil, fmt.Errorf("console pty: %w", err)
		}
		slave, err := os.OpenFile(slavePath, os.O_RDWR, 0)
		if err != nil {
			master.Close()
			return nil, fmt.Errorf("console pty slave: %w", err)
		}
		inst.ptyMaster = master
		inst.ptySlave = slave

		attach, err := vzf.NewFileHandleSerialPortAttachment(slave, slave)
		if err != nil {
			return nil, fmt.Errorf("serial attachment: %w", err)
		}
		serial, err := vzf.NewVirtioConsoleDeviceSerialPortConfiguration(attach)
		if err != nil {
			return nil, fmt.Errorf("serial device: %w", err)
		}
		vmCfg.SetSerialPortsVirtualMachineConfiguration([]*vzf.VirtioConsoleDeviceSerialPortConfiguration{serial})
	}

	switch cfg.Net {
	case backend.NetNativeNAT:
		attach, err := vzf.NewNATNetworkDeviceAttachment()
		if err != nil {
			return nil, fmt.Errorf("nat attachment: %w", err)
		}
		dev, err := vzf.NewVirtioNetworkDeviceConfiguration(attach)
		if err != nil {
			return nil, fmt.Errorf("net device: %w", err)
		}
		vmCfg.SetNetworkDevicesVirtualMachineConfiguration([]*vzf.VirtioNetworkDeviceConfiguration{dev})
	case backend.NetUserNAT:
		peer := cfg.NetFile
		if peer == nil {
			// In-process stack over a fresh socket pair; the daemon path
			// instead hands us the parent's half via NetFile.
			fio, created, err := capsanet.NewSocketPair()
			if err != nil {
				return nil, fmt.Errorf("network socket pair: %w", err)
			}
			stack, err := capsanet.New(*cfg.UserNAT, fio)
			if err != nil {
				created.Close()
				return nil, err
			}
			inst.netStack = stack
			peer = created
			inst.netPeer = created
		}
		attach, err := vzf.NewFileHandleNetworkDeviceAttachment(peer)
		if err != nil {
			return nil, fmt.Errorf("file-handle attachment: %w", err)
		}
		dev, err := vzf.NewVirtioNetworkDeviceConfiguration(attach)
		if err != nil {
			return nil, fmt.Errorf("net device: %w", err)
		}
		vmCfg.SetNetworkDevicesVirtualMachineConfiguration([]*vzf.VirtioNetworkDeviceConfiguration{dev})
	}

	var fsDevs []vzf.DirectorySharingDeviceConfiguration
	for _, s := range cfg.Shares {
		dir, err := vzf.NewSharedDirectory(s.HostPath, s.ReadOnly)
		if err != nil {
			return nil, fmt.Errorf("share %s: %w", s.Tag, err)
		}
		single, err := vzf.NewSingleDirectoryShare(dir)
		if err != nil {
			return nil, fmt.Errorf("share %s: %w", s.Tag, err)
		}
		dev, err := vzf.NewVirtioFileSystemDeviceConfiguration(s.Tag)
		if err != nil {
			return nil, fmt.Errorf("share %s: %w", s.Tag, err)
		}
		dev.SetDirectoryShare(single)
		fsDevs = append(fsDevs, dev)
	}
	vmCfg.SetDirectorySharingDevicesVirtualMachineConfiguration(fsDevs)

	if cfg.Vsock || cfg.Net == backend.NetVsockOnly {
		vsock, err := vzf.NewVirtioSocketDeviceConfiguration()
		if err != nil {
			return nil, fmt.Errorf("vsock device: %w", err)
		}
		vmCfg.SetSocketDevicesVirtualMachineConfiguration([]vzf.SocketDeviceConfiguration{vsock})
	}

	entropy, err := vzf.NewVirtioEntropyDeviceConfiguration()
	if err != nil {
		return nil, fmt.Errorf("entropy device: %w", err)
	}
	vmCfg.SetEntropyDevicesVirtualMachineConfiguration([]*vzf.VirtioEntropyDeviceConfiguration{entropy})

	return vmCfg, nil
}

// watchState mirrors framework state transitions into the instance.
func (inst *instance) watchState() {
	for state := range inst.vm.StateChangedNotify() {
		switch state {
		case vzf.VirtualMachineStateStopped:
			inst.finish(backend.ExitStatus{}, nil)
			return
		case vzf.VirtualMachineStateError:
			inst.finish(backend.ExitStatus{}, &backend.HypervisorError{
				Op:    backend.OpFrameworkCall,
				Cause: fmt.Errorf("virtual machine entered error state"),
			})
			return
		}
	}
}

func (inst *instance) finish(exit backend.ExitStatus, err error) {
	select {
	case <-inst.done:
		return
	default:
	}
	inst.exit = exit
	inst.err = err
	close(inst.done)
}

func (inst *instance) Shutdown(ctx context.Context) error {
	ok, err := inst.vm.RequestStop()
	if err != nil || !ok {
		return &backend.HypervisorError{Op: backend.OpFrameworkCall, Cause: err}
	}
	return nil
}

func (inst *instance) Kill() error {
	if inst.vm != nil && inst.vm.CanStop() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := inst.vm.Stop(); err != nil {
			inst.log.WithError(err).Warn("framework stop failed")
		}
		select {
		case <-inst.done:
		case <-ctx.Done():
		}
	}
	inst.finish(backend.ExitStatus{}, nil)
	inst.cleanup()
	return nil
}

func (inst *instance) cleanup() {
	if inst.netStack != nil {
		inst.netStack.Close()
		inst.netStack = nil
	}
	if inst.netPeer != nil {
		inst.netPeer.Close()
		inst.netPeer = nil
	}
	if inst.ptySlave != nil {
		inst.ptySlave.Close()
		inst.ptySlave = nil
	}
	if inst.cfg.WorkDir != "" {
		os.RemoveAll(inst.cfg.WorkDir)
	}
}

func (inst *instance) Wait(ctx context.Context) (backend.ExitStatus, error) {
	select {
	case <-ctx.Done():
		return backend.ExitStatus{}, ctx.Err()
	case <-inst.done:
		return inst.exit, inst.err
	}
}

func (inst *instance) ConsoleFile() (*os.File, error) {
	if inst.ptyMaster == nil {
		return nil, backend.ErrConsoleNotEnabled
	}
	return inst.ptyMaster, nil
}
