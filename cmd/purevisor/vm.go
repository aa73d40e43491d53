package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/purevisor/purevisor/hostctx"
	"github.com/purevisor/purevisor/pci"
	"github.com/purevisor/purevisor/storage"
	"github.com/purevisor/purevisor/virtio"
	"github.com/purevisor/purevisor/vmexec"
	"github.com/purevisor/purevisor/vmexit"
	"github.com/purevisor/purevisor/vmm"
)

// blockIRQ/netIRQ mirror the fixed legacy IRQ line assignment the teacher's
// own machine.go gives its virtio-blk/virtio-net devices.
const (
	blockIRQ uint8 = 9
	netIRQ   uint8 = 10

	// blockIOBase/netIOBase are the legacy-I/O BAR addresses assigned to
	// each device's 256-byte configuration window (virtio.Device.
	// GetIORange), chosen clear of the PCI CONFIG_ADDRESS/CONFIG_DATA
	// registers and the low legacy port range the teacher's machine.go
	// reserves for PS/2, CMOS, and serial.
	blockIOBase uint64 = 0xD000
	netIOBase   uint64 = 0xD100
)

func newVMCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vm",
		Short: "VM lifecycle: create, start, stop, pause, resume, destroy",
	}

	cmd.AddCommand(newVMRunCmd())

	return cmd
}

func newVMRunCmd() *cobra.Command {
	var (
		name     string
		vcpus    int
		memMiB   int64
		diskMiB  int64
		diskPath string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Create, start, and run a VM until signaled",
		Long: "run performs the full create->start->(pause/resume on SIGUSR1/" +
			"SIGUSR2)->stop->destroy lifecycle in one process, the same " +
			"single-invocation shape as the teacher's own CLI (one VM per " +
			"process), since a persistent management daemon/RPC surface is " +
			"explicitly out of this module's scope.",
		RunE: func(c *cobra.Command, args []string) error {
			stopProfiling := startProfiling()
			defer stopProfiling()

			if name == "" {
				name = uuid.NewString()
			}

			return runVM(c, name, vcpus, memMiB, diskMiB, diskPath)
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "VM name (default: a generated UUID)")
	cmd.Flags().IntVar(&vcpus, "vcpus", 1, "number of VCPUs")
	cmd.Flags().Int64Var(&memMiB, "memory-mib", 64, "guest memory size, MiB")
	cmd.Flags().Int64Var(&diskMiB, "disk-mib", 16, "RAM-backed disk size, MiB (ignored if --disk-path is set)")
	cmd.Flags().StringVar(&diskPath, "disk-path", "", "file-backed disk image path")

	return cmd
}

func runVM(c *cobra.Command, name string, vcpuCount int, memMiB, diskMiB int64, diskPath string) error {
	memSize := uint64(memMiB) * 1024 * 1024

	host := hostctx.NewDefault(int((memSize + uint64(diskMiB)*1024*1024) * 4))

	mgr := vmm.NewManager()

	vm, err := mgr.Create(host, vmm.Spec{
		Name:        name,
		VCPUCount:   vcpuCount,
		MemorySize:  memSize,
		VCBRevision: 1,
	})
	if err != nil {
		return fmt.Errorf("create vm: %w", err)
	}

	host.Inject = vm.Injector()

	var backend virtio.BlockBackend

	if diskPath != "" {
		dev := storage.NewFileDevice(diskPath, diskMiB*1024*1024)
		if err := dev.Open(); err != nil {
			return fmt.Errorf("open disk: %w", err)
		}

		backend = dev
	} else {
		backend = storage.NewRAMDevice(diskMiB * 1024 * 1024)
	}

	mem := vm.GuestMemory()

	blk := virtio.NewBlock(mem, host.Inject, 0, blockIRQ, backend, name)
	blk.SetBase(blockIOBase)

	net := virtio.NewNet(mem, host.Inject, 0, netIRQ, nil, [6]byte{0x52, 0x54, 0x00, 0x00, 0x00, 0x01})
	net.SetBase(netIOBase)
	net.SetTransmitter(virtio.NewLoopback(net))

	bus := pci.NewBus()
	bus.AddDevice(blk)
	bus.AddDevice(net)

	iobus := vmm.NewIOBus()
	iobus.RegisterBus(bus)
	iobus.RegisterDevice(blk)
	iobus.RegisterDevice(net)

	disp := &vmexit.Dispatcher{
		Host:  host,
		Ports: iobus.Ports(),
		MSRs:  vmexit.DefaultMSRWhitelist(),
	}

	engine := &vmexec.SoftwareEngine{}

	if err := vm.Start(engine, disp); err != nil {
		return fmt.Errorf("start vm: %w", err)
	}

	host.Log.Emit(hostctx.Info, map[string]interface{}{
		"vm": name, "vcpus": vcpuCount, "memory_mib": memMiB,
	}, "vm started")

	waitForSignals(vm, host)

	if err := mgr.Destroy(name); err != nil {
		return fmt.Errorf("destroy vm: %w", err)
	}

	return nil
}

// waitForSignals blocks until SIGTERM/SIGINT, honoring SIGUSR1/SIGUSR2 as
// the operator-facing pause/resume controls spec.md §6 names, since no
// management RPC surface exists to carry them instead.
func waitForSignals(vm *vmm.VM, host *hostctx.Host) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGUSR1, syscall.SIGUSR2)

	for sig := range sigCh {
		switch sig {
		case syscall.SIGUSR1:
			if err := vm.Pause(); err != nil {
				host.Log.Emit(hostctx.Warn, map[string]interface{}{"err": err}, "pause failed")
			}
		case syscall.SIGUSR2:
			if err := vm.Resume(); err != nil {
				host.Log.Emit(hostctx.Warn, map[string]interface{}{"err": err}, "resume failed")
			}
		default:
			if err := vm.Stop(); err != nil {
				host.Log.Emit(hostctx.Warn, map[string]interface{}{"err": err}, "stop failed")
			}

			return
		}
	}
}
