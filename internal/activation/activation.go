// Package activation picks up sockets passed by systemd socket activation so
// the pismo server can be started on demand by a .socket unit.
package activation

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
)

// systemd passes file descriptors starting at fd 3
const firstFD = 3

// Socket is an activated listener and the name systemd gave it
// (FileDescriptorName= in the socket unit, "unknown" by default).
type Socket struct {
	Name     string
	Listener net.Listener
}

// activationEnv is the parsed LISTEN_* environment.
type activationEnv struct {
	count int
	names []string
}

// parseEnv reads the activation variables. A zero count means the process was
// not socket activated.
func parseEnv(getenv func(string) string, pid int) (activationEnv, error) {
	pidStr := getenv("LISTEN_PID")
	if pidStr == "" {
		return activationEnv{}, nil
	}

	listenPID, err := strconv.Atoi(pidStr)
	if err != nil {
		return activationEnv{}, fmt.Errorf("invalid LISTEN_PID %q: %w", pidStr, err)
	}
	if listenPID != pid {
		// activation is meant for another process
		return activationEnv{}, nil
	}

	fdsStr := getenv("LISTEN_FDS")
	if fdsStr == "" {
		return activationEnv{}, nil
	}
	count, err := strconv.Atoi(fdsStr)
	if err != nil {
		return activationEnv{}, fmt.Errorf("invalid LISTEN_FDS %q: %w", fdsStr, err)
	}
	if count < 1 {
		return activationEnv{}, nil
	}

	names := make([]string, count)
	given := strings.Split(getenv("LISTEN_FDNAMES"), ":")
	for i := range names {
		if i < len(given) && given[i] != "" {
			names[i] = given[i]
		} else {
			names[i] = "unknown"
		}
	}

	return activationEnv{count: count, names: names}, nil
}

// Sockets returns the sockets passed to this process, or nil when the process
// was not socket activated. The LISTEN_* variables are cleared so children do
// not inherit them.
func Sockets() ([]Socket, error) {
	env, err := parseEnv(os.Getenv, os.Getpid())
	if err != nil {
		return nil, err
	}
	if env.count == 0 {
		return nil, nil
	}

	sockets := make([]Socket, 0, env.count)
	for i := 0; i < env.count; i++ {
		fd := firstFD + i
		file := os.NewFile(uintptr(fd), "systemd-socket-"+env.names[i])
		if file == nil {
			closeAll(sockets)
			return nil, fmt.Errorf("failed to create file for fd %d", fd)
		}

		listener, err := net.FileListener(file)
		// the listener holds its own duplicate of the descriptor
		_ = file.Close()
		if err != nil {
			closeAll(sockets)
			return nil, fmt.Errorf("failed to create listener from fd %d: %w", fd, err)
		}

		sockets = append(sockets, Socket{Name: env.names[i], Listener: listener})
	}

	_ = os.Unsetenv("LISTEN_PID")
	_ = os.Unsetenv("LISTEN_FDS")
	_ = os.Unsetenv("LISTEN_FDNAMES")

	return sockets, nil
}

// Listener returns the activated listener named name. If no socket carries
// that name the first one is used. It returns nil when the process was not
// socket activated; sockets that are not returned are closed.
func Listener(name string) (net.Listener, error) {
	sockets, err := Sockets()
	if err != nil || len(sockets) == 0 {
		return nil, err
	}

	idx := pick(sockets, name)
	for i, s := range sockets {
		if i != idx {
			_ = s.Listener.Close()
		}
	}
	return sockets[idx].Listener, nil
}

func pick(sockets []Socket, name string) int {
	for i, s := range sockets {
		if s.Name == name {
			return i
		}
	}
	return 0
}

func closeAll(sockets []Socket) {
	for _, s := range sockets {
		_ = s.Listener.Close()
	}
}
