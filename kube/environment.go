package kube

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"golang.org/x/exp/slog"
)

const DefaultTimeout = 2 * time.Second

const (
	serviceAccountDir = "/var/run/secrets/kubernetes.io/serviceaccount"

	// RoleLabel is the pod label updated when this node changes roles so
	// that a Service selector can target the primary.
	RoleLabel = "segrep.io/role"
)

// Environment updates pod metadata when running inside a Kubernetes cluster.
type Environment struct {
	HTTPClient *http.Client

	Timeout time.Duration
}

func NewEnvironment() *Environment {
	client := http.DefaultClient
	if caCert, err := os.ReadFile(path.Join(serviceAccountDir, "ca.crt")); err == nil {
		pool := x509.NewCertPool()
		pool.AppendCertsFromPEM(caCert)
		client = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{RootCAs: pool},
			},
		}
	}

	return &Environment{
		HTTPClient: client,
		Timeout:    DefaultTimeout,
	}
}

func (e *Environment) Type() string { return "kubernetes" }

// SetPrimaryStatus patches this pod's role label so cluster routing can
// follow the primary. A missing environment is logged, not an error.
func (e *Environment) SetPrimaryStatus(ctx context.Context, isPrimary bool) error {
	host := APIServerHost()
	if host == "" {
		slog.Info("cannot set primary status on host environment", slog.String("reason", "api server unavailable"))
		return nil
	}

	podName := PodName()
	if podName == "" {
		slog.Info("cannot set primary status on host environment", slog.String("reason", "pod name unavailable"))
		return nil
	}

	token, err := os.ReadFile(path.Join(serviceAccountDir, "token"))
	if err != nil {
		slog.Info("cannot set primary status on host environment", slog.String("reason", "service account token unavailable"))
		return nil
	}

	role := "replica"
	if isPrimary {
		role = "primary"
	}

	reqBody := fmt.Sprintf(`{"metadata":{"labels":{%q:%q}}}`, RoleLabel, role)

	u := url.URL{
		Scheme: "https",
		Host:   host,
		Path:   path.Join("/api/v1/namespaces", Namespace(), "pods", podName),
	}
	req, err := http.NewRequest("PATCH", u.String(), bytes.NewReader([]byte(reqBody)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/merge-patch+json")
	req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(string(token)))

	ctx, cancel := context.WithTimeout(ctx, e.Timeout)
	defer cancel()
	req = req.WithContext(ctx)

	resp, err := e.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		return nil
	default:
		return fmt.Errorf("cannot patch pod labels: code=%d", resp.StatusCode)
	}
}

// Available returns true if currently running inside a Kubernetes pod.
func Available() bool { return APIServerHost() != "" }

// APIServerHost returns the in-cluster API server hostport.
func APIServerHost() string {
	host := os.Getenv("KUBERNETES_SERVICE_HOST")
	port := os.Getenv("KUBERNETES_SERVICE_PORT")
	if host == "" || port == "" {
		return ""
	}
	return host + ":" + port
}

// PodName returns the name of the current pod.
func PodName() string {
	if v := os.Getenv("POD_NAME"); v != "" {
		return v
	}
	v, _ := os.Hostname()
	return v
}

// Namespace returns the namespace of the current pod.
func Namespace() string {
	if v := os.Getenv("POD_NAMESPACE"); v != "" {
		return v
	}
	if buf, err := os.ReadFile(path.Join(serviceAccountDir, "namespace")); err == nil {
		return strings.TrimSpace(string(buf))
	}
	return "default"
}
