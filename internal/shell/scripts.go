package shell

import (
	"fmt"
	"path"
	"strconv"
	"strings"
)

// LockFiles are the package-manager locks probed before installing anything.
var LockFiles = []string{
	"/var/lib/dpkg/lock-frontend",
	"/var/lib/apt/lists/lock",
	"/var/cache/apt/archives/lock",
	"/var/lib/dpkg/lock",
}

// LockClearMarker is printed by LockProbe when no process holds a lock.
const LockClearMarker = "clear"

// HomeProbe prints the login user's home directory.
func HomeProbe() string {
	return `printf '%s\n' "$HOME"`
}

// EngineProbe reports the container engine version; a non-zero exit means absent.
func EngineProbe() string {
	return "docker --version"
}

// LockProbe prints LockClearMarker when no package-manager lock is held.
// Hosts without fuser are treated as clear.
func LockProbe() string {
	quoted := make([]string, 0, len(LockFiles))
	for _, f := range LockFiles {
		quoted = append(quoted, Quote(f))
	}
	return fmt.Sprintf("if command -v fuser >/dev/null 2>&1 && fuser %s >/dev/null 2>&1; then echo held; else echo %s; fi",
		strings.Join(quoted, " "), LockClearMarker)
}

const dockerInstallScript = `set -e
export DEBIAN_FRONTEND=noninteractive
OS_ID=unknown
if [ -r /etc/os-release ]; then
  . /etc/os-release
  OS_ID="${ID:-unknown}"
fi
echo "Detected OS: $OS_ID"
case "$OS_ID" in
  ubuntu|debian|raspbian)
    echo "Installing Docker from the official apt repository"
    apt-get update -y
    apt-get install -y ca-certificates curl gnupg
    install -m 0755 -d /etc/apt/keyrings
    curl -fsSL "https://download.docker.com/linux/$OS_ID/gpg" -o /etc/apt/keyrings/docker.asc
    chmod a+r /etc/apt/keyrings/docker.asc
    echo "deb [arch=$(dpkg --print-architecture) signed-by=/etc/apt/keyrings/docker.asc] https://download.docker.com/linux/$OS_ID ${VERSION_CODENAME:-stable} stable" > /etc/apt/sources.list.d/docker.list
    apt-get update -y
    apt-get install -y docker-ce docker-ce-cli containerd.io docker-buildx-plugin docker-compose-plugin
    ;;
  *)
    echo "Installing Docker with the convenience script"
    curl -fsSL https://get.docker.com | sh
    ;;
esac
if command -v systemctl >/dev/null 2>&1; then
  systemctl enable --now docker || true
fi
docker --version
`

// DockerInstallScript installs the engine and compose plugin, branching on
// the distribution family reported by /etc/os-release.
func DockerInstallScript() string {
	return dockerInstallScript
}

// WriteFile returns a script that atomically replaces target with content and
// applies mode. Content is decoded remotely so it may hold any bytes.
func WriteFile(target string, content []byte, mode string) string {
	tmp := target + ".tmp"
	var b strings.Builder
	fmt.Fprintf(&b, "set -e\n")
	fmt.Fprintf(&b, "mkdir -p %s\n", Quote(path.Dir(target)))
	fmt.Fprintf(&b, "%s > %s\n", Decode(string(content)), Quote(tmp))
	fmt.Fprintf(&b, "chmod %s %s\n", Quote(mode), Quote(tmp))
	fmt.Fprintf(&b, "mv -f %s %s\n", Quote(tmp), Quote(target))
	return b.String()
}

// Layout names the absolute remote paths used by the gateway.
type Layout struct {
	Home         string
	StateDir     string
	WorkspaceDir string
	ConfigFile   string
	ComposeFile  string
}

// NewLayout derives the gateway layout from an absolute home directory.
func NewLayout(home string) Layout {
	home = strings.TrimRight(strings.TrimSpace(home), "/")
	if home == "" {
		home = "/root"
	}
	state := path.Join(home, ".openclaw")
	return Layout{
		Home:         home,
		StateDir:     state,
		WorkspaceDir: path.Join(state, "workspace"),
		ConfigFile:   path.Join(state, "openclaw.json"),
		ComposeFile:  path.Join(home, "docker-compose.yml"),
	}
}

// PrepareDirs creates the state tree, writes the gateway settings document
// and hands ownership to the container user.
func PrepareDirs(layout Layout, settings []byte, uid, gid int) string {
	owner := strconv.Itoa(uid) + ":" + strconv.Itoa(gid)
	var b strings.Builder
	fmt.Fprintf(&b, "set -e\n")
	fmt.Fprintf(&b, "mkdir -p %s %s\n", Quote(layout.StateDir), Quote(layout.WorkspaceDir))
	fmt.Fprintf(&b, "%s > %s\n", Decode(string(settings)), Quote(layout.ConfigFile))
	fmt.Fprintf(&b, "chown -R %s %s\n", owner, Quote(layout.StateDir))
	fmt.Fprintf(&b, "chmod -R 770 %s\n", Quote(layout.StateDir))
	return b.String()
}

// ComposeUp starts the service stack defined in dir.
func ComposeUp(dir string) string {
	return fmt.Sprintf("cd %s && docker compose up -d 2>&1", Quote(dir))
}

// ConfigInvocations lists the in-container CLI entry points tried in order.
var ConfigInvocations = [][]string{
	{"openclaw"},
	{"node", "dist/index.js"},
}

// ConfigSet sets one settings key inside the running container.
func ConfigSet(container string, invocation []string, key, value string) string {
	parts := []string{"docker", "exec", Quote(container)}
	for _, arg := range invocation {
		parts = append(parts, Quote(arg))
	}
	parts = append(parts, "config", "set", Quote(key), Quote(value))
	return strings.Join(parts, " ")
}

// Restart restarts a container.
func Restart(container string) string {
	return "docker restart " + Quote(container)
}

// Clock prints the remote clock as unix seconds.
func Clock() string {
	return "date -u +%s"
}

// StartedAt prints the time the container's current process started.
func StartedAt(container string) string {
	return "docker inspect -f '{{.State.StartedAt}}' " + Quote(container)
}

// Logs prints the last tail lines of a container's output, stderr included.
// A non-empty since limits output to lines written after that time, which
// keeps history from earlier boots out of the result.
func Logs(container string, tail int, since string) string {
	if since == "" {
		return fmt.Sprintf("docker logs --tail %d %s 2>&1", tail, Quote(container))
	}
	return fmt.Sprintf("docker logs --since %s --tail %d %s 2>&1", Quote(since), tail, Quote(container))
}
