//go:build integration

package firestore

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"

	pconfig "github.com/tradelane/api/internal/platform/config"
	pfirestore "github.com/tradelane/api/internal/platform/firestore"
)

const emulatorImage = "gcr.io/google.com/cloudsdktool/cloud-sdk:emulators"

// emulatorProvider binds a provider to FIRESTORE_EMULATOR_HOST when set, otherwise to a
// disposable emulator container. Each call gets its own project id so tests never share data.
func emulatorProvider(t *testing.T, prefix string) *pfirestore.Provider {
	t.Helper()
	if testing.Short() {
		t.Skip("emulator tests do not run with -short")
	}
	host := strings.TrimSpace(os.Getenv("FIRESTORE_EMULATOR_HOST"))
	if host == "" {
		host = runEmulatorContainer(t)
	}

	project := strings.ToLower(fmt.Sprintf("%s-%s", prefix, ulid.Make().String()[16:]))
	provider := pfirestore.NewProvider(pconfig.FirestoreConfig{ProjectID: project, EmulatorHost: host})
	t.Cleanup(func() { _ = provider.Close(context.Background()) })
	return provider
}

func runEmulatorContainer(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("docker"); err != nil {
		t.Skipf("no emulator host and no docker: %v", err)
	}

	dockerCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := exec.CommandContext(dockerCtx, "docker", "info").Run(); err != nil {
		t.Skipf("docker daemon unreachable: %v", err)
	}

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	_ = l.Close()

	out, err := exec.Command("docker", "run", "-d", "--rm",
		"-p", fmt.Sprintf("127.0.0.1:%d:8080", port),
		emulatorImage,
		"gcloud", "beta", "emulators", "firestore", "start", "--host-port=0.0.0.0:8080", "--quiet",
	).CombinedOutput()
	container := strings.TrimSpace(string(out))
	if err != nil || container == "" {
		t.Fatalf("docker run emulator: %v %s", err, container)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = exec.CommandContext(ctx, "docker", "rm", "-f", container).Run()
	})

	host := fmt.Sprintf("127.0.0.1:%d", port)
	for deadline := time.Now().Add(30 * time.Second); time.Now().Before(deadline); time.Sleep(250 * time.Millisecond) {
		if conn, err := net.DialTimeout("tcp", host, time.Second); err == nil {
			_ = conn.Close()
			return host
		}
	}
	t.Fatalf("emulator on %s never accepted connections", host)
	return ""
}
