package provision

import (
	"context"

	"github.com/clawup/clawup/internal/remote"
)

// Connector opens the remote session for one run.
type Connector interface {
	Connect(ctx context.Context, creds remote.Credentials) (remote.Session, error)
}

// SSHConnector connects with a remote.Dialer.
type SSHConnector struct {
	Dialer remote.Dialer
}

func (c SSHConnector) Connect(ctx context.Context, creds remote.Credentials) (remote.Session, error) {
	client, err := c.Dialer.Connect(ctx, creds)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// Observer receives run measurements. All methods must be cheap and non-blocking.
type Observer interface {
	StepFinished(step Step, seconds float64)
	LockProbe(held bool)
	ReadinessAttempts(n int)
	PostConfigure(key, candidate string)
}
