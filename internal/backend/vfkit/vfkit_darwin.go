//go:build darwin

// Package vfkit realizes the Apple-framework backend by delegating to the
// vfkit helper binary: the VM is described on its command line, controlled
// through its RESTful endpoint over a local unix socket, and its console
// pty is picked out of the helper's startup output.
package vfkit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/luizribeiro/capsa/capsanet"
	"github.com/luizribeiro/capsa/internal/backend"
)

// HelperBinary is the external helper this strategy drives.
const HelperBinary = "vfkit"

var ptyPattern = regexp.MustCompile(`(/dev/ttys[0-9]+)`)

// Backend launches VMs through the vfkit helper.
type Backend struct{}

func New() *Backend { return &Backend{} }

func (b *Backend) Name() string { return "vfkit" }

func (b *Backend) IsAvailable() error {
	if backend.FindBinary(HelperBinary) == "" {
		return &backend.BackendUnavailableError{Name: b.Name(), Reason: backend.UnavailableBinaryMissing}
	}
	return nil
}

func (b *Backend) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		Name:       b.Name(),
		MaxVCPUs:   32,
		DirectBoot: true,
		NativeNAT:  true,
		UserNAT:    true,
		Vsock:      true,
	}
}

func (b *Backend) CmdlineDefaults() string {
	return "console=hvc0 reboot=t panic=-1"
}

func (b *Backend) DefaultRootDevice() string { return "/dev/vda" }

// Start translates the config into vfkit's CLI, spawns the helper, and
// waits for its control endpoint to come up.
func (b *Backend) Start(ctx context.Context, cfg *backend.Config) (backend.Instance, error) {
	bin := backend.FindBinary(HelperBinary)
	if bin == "" {
		return nil, &backend.BackendUnavailableError{Name: b.Name(), Reason: backend.UnavailableBinaryMissing}
	}

	inst := &instance{
		cfg:  cfg,
		log:  logrus.WithField("subsys", "vfkit"),
		done: make(chan struct{}),
	}

	controlSock := filepath.Join(cfg.WorkDir, "vfkit-rest.sock")
	args := []string{
		"--cpus", fmt.Sprintf("%d", cfg.VCPUs),
		"--memory", fmt.Sprintf("%d", cfg.MemoryMiB),
		"--kernel", cfg.KernelPath,
		"--kernel-cmdline", cfg.Cmdline,
		"--restful-uri", "unix://" + controlSock,
		"--device", "virtio-rng",
	}
	if cfg.InitrdPath != "" {
		args = append(args, "--initrd", cfg.InitrdPath)
	}
	for _, d := range cfg.Disks {
		args = append(args, "--device", fmt.Sprintf("virtio-blk,path=%s", d.Path))
	}
	for _, s := range cfg.Shares {
		spec := fmt.Sprintf("virtio-fs,sharedDir=%s,mountTag=%s", s.HostPath, s.Tag)
		args = append(args, "--device", spec)
	}
	switch cfg.Net {
	case backend.NetNativeNAT:
		args = append(args, "--device", "virtio-net,nat,mac=5a:94:ef:e4:0c:ee")
	case backend.NetUserNAT:
		netSock := filepath.Join(cfg.WorkDir, "vfkit-net.sock")
		ln, err := capsanet.ListenUnixgram(netSock)
		if err != nil {
			return nil, fmt.Errorf("network socket: %w", err)
		}
		stack, err := capsanet.New(*cfg.UserNAT, ln)
		if err != nil {
			ln.Close()
			return nil, err
		}
		inst.netStack = stack
		args = append(args, "--device",
			fmt.Sprintf("virtio-net,unixSocketPath=%s,mac=5a:94:ef:e4:0c:ee", netSock))
	}
	if cfg.Vsock || cfg.Net == backend.NetVsockOnly {
		args = append(args, "--device",
			fmt.Sprintf("virtio-vsock,port=1024,socketURL=%s", filepath.Join(cfg.WorkDir, "vfkit-vsock.sock")))
	}
	if cfg.Console {
		args = append(args, "--device", "virtio-serial,pty")
	}

	cmd := exec.Command(bin, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		inst.cleanup()
		return nil, err
	}
	cmd.Stderr = cmd.Stdout // pty announcement can land on either stream
	if err := cmd.Start(); err != nil {
		inst.cleanup()
		return nil, &backend.Error{Kind: backend.KindStartFailed, Detail: "spawn vfkit", Cause: err}
	}
	inst.cmd = cmd
	inst.control = newControlClient(controlSock)

	go func() {
		err := cmd.Wait()
		inst.finish(exitStatusOf(err), nil)
	}()

	if cfg.Console {
		pty, err := awaitPty(ctx, stdout, 30*time.Second)
		if err != nil {
			inst.Kill()
			return nil, &backend.Error{Kind: backend.KindStartFailed, Detail: "vfkit console pty", Cause: err}
		}
		f, err := os.OpenFile(pty, os.O_RDWR, 0)
		if err != nil {
			inst.Kill()
			return nil, fmt.Errorf("open vfkit pty %s: %w", pty, err)
		}
		inst.console = f
	} else {
		go io.Copy(io.Discard, stdout)
	}

	if err := inst.control.waitReady(ctx, 30*time.Second); err != nil {
		inst.Kill()
		return nil, &backend.Error{Kind: backend.KindStartFailed, Detail: "vfkit control endpoint", Cause: err}
	}
	if inst.netStack != nil {
		if err := inst.netStack.Start(); err != nil {
			inst.Kill()
			return nil, fmt.Errorf("start network stack: %w", err)
		}
	}
	return inst, nil
}

// awaitPty scans the helper's output for the pty path it announces.
func awaitPty(ctx context.Context, r io.Reader, timeout time.Duration) (string, error) {
	found := make(chan string, 1)
	go func() {
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			if m := ptyPattern.FindString(scanner.Text()); m != "" {
				select {
				case found <- m:
				default:
				}
				// Keep draining so vfkit never blocks on a full pipe.
			}
		}
	}()
	select {
	case pty := <-found:
		return pty, nil
	case <-time.After(timeout):
		return "", fmt.Errorf("helper did not announce a pty within %v", timeout)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// controlClient drives vfkit's RESTful endpoint over its unix socket,
// the same shape as a cloud-hypervisor control plane.
type controlClient struct {
	client *http.Client
}

func newControlClient(socketPath string) *controlClient {
	return &controlClient{
		client: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					return net.DialTimeout("unix", socketPath, 5*time.Second)
				},
			},
			Timeout: 10 * time.Second,
		},
	}
}

func (c *controlClient) waitReady(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := c.state(); err == nil {
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}
	return fmt.Errorf("control endpoint not ready within %v", timeout)
}

func (c *controlClient) state() (string, error) {
	resp, err := c.client.Get("http://vfkit/vm/state")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("state returned %d", resp.StatusCode)
	}
	var body struct {
		State string `json:"state"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	return body.State, nil
}

func (c *controlClient) requestStop() error {
	payload, _ := json.Marshal(map[string]string{"state": "Stop"})
	resp, err := c.client.Post("http://vfkit/vm/state", "application/json", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("stop returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

type instance struct {
	cfg      *backend.Config
	log      *logrus.Entry
	cmd      *exec.Cmd
	control  *controlClient
	console  *os.File
	netStack *capsanet.Stack

	once sync.Once
	done chan struct{}
	exit backend.ExitStatus
	err  error
}

func exitStatusOf(err error) backend.ExitStatus {
	if err == nil {
		return backend.ExitStatus{Code: 0, HasCode: true}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return backend.ExitStatus{Code: exitErr.ExitCode(), HasCode: true}
	}
	return backend.ExitStatus{}
}

func (inst *instance) finish(exit backend.ExitStatus, err error) {
	inst.once.Do(func() {
		inst.exit = exit
		inst.err = err
		close(inst.done)
	})
}

func (inst *instance) Shutdown(ctx context.Context) error {
	if err := inst.control.requestStop(); err != nil {
		return &backend.HypervisorError{Op: backend.OpHelperControl, Cause: err}
	}
	return nil
}

func (inst *instance) Kill() error {
	if inst.cmd != nil && inst.cmd.Process != nil {
		inst.cmd.Process.Kill()
		select {
		case <-inst.done:
		case <-time.After(10 * time.Second):
		}
	}
	inst.finish(backend.ExitStatus{}, nil)
	inst.cleanup()
	return nil
}

func (inst *instance) cleanup() {
	if inst.console != nil {
		inst.console.Close()
		inst.console = nil
	}
	if inst.netStack != nil {
		inst.netStack.Close()
		inst.netStack = nil
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
	if inst.console == nil {
		return nil, backend.ErrConsoleNotEnabled
	}
	return inst.console, nil
}
