package cmd

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/gatekeeper/api"
	"github.com/jmcleod/gatekeeper/internal/config"
	"github.com/jmcleod/gatekeeper/pki"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gatekeeper.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func boltConfig(t *testing.T) string {
	dir := t.TempDir()
	return writeConfig(t, fmt.Sprintf(`
storage:
  driver: bbolt
  path: %s
  key_file: %s
log:
  level: error
`, filepath.Join(dir, "gatekeeper.db"), filepath.Join(dir, "sealing.key")))
}

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	userPassword, userCommonName, userPermissions, userRequireChange = "", "", nil, false
	certOut, certOrganization, certEmail, certReason = "", nil, nil, 0
	certValidityYears, certValidityDays = 10, 365

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "", "version")
	require.NoError(t, err)
	assert.Contains(t, out, "gatekeeper "+Version)
}

func TestUserCommands(t *testing.T) {
	cfgPath := boltConfig(t)

	out, err := execute(t, "correct horse\n", "user", "add", "alice", "--config", cfgPath, "--common-name", "alice", "--permission", "rest.admin")
	require.NoError(t, err)
	assert.Contains(t, out, "created user alice")

	_, err = execute(t, "", "user", "add", "bob", "--config", cfgPath, "--password", "temporary-pass", "--require-change")
	require.NoError(t, err)

	_, err = execute(t, "", "user", "add", "alice", "--config", cfgPath, "--password", "another-pass")
	assert.Error(t, err)

	out, err = execute(t, "", "user", "list", "--config", cfgPath)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "bob"}, strings.Fields(out))

	out, err = execute(t, "battery staple\n", "user", "passwd", "alice", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "password updated for alice")

	// Verify through a fresh store that the new password took effect.
	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)
	b, err := openBackend(context.Background(), cfg.Storage, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer b.close()
	users, err := b.users()
	require.NoError(t, err)
	assert.NoError(t, users.VerifyPassword(context.Background(), "alice", "battery staple"))
	needs, err := users.NeedsPasswordChange(context.Background(), "bob")
	require.NoError(t, err)
	assert.True(t, needs)
}

func TestUserPasswordTooShort(t *testing.T) {
	_, err := execute(t, "short\n", "user", "add", "carol", "--config", boltConfig(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least 8")
}

func TestUserCommandsRefuseMemoryStorage(t *testing.T) {
	cfgPath := writeConfig(t, "storage:\n  driver: memory\n")
	_, err := execute(t, "", "user", "list", "--config", cfgPath)
	assert.ErrorIs(t, err, errVolatileStorage)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(&buf, config.LogConfig{Level: "warn", Format: "json"})
	require.NoError(t, err)
	logger.Info("hidden")
	logger.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "shown", rec["msg"])

	_, err = newLogger(&buf, config.LogConfig{Level: "loud", Format: "text"})
	assert.Error(t, err)
}

func newTestApplication(t *testing.T, mutate func(*config.Config)) *application {
	t.Helper()
	cfg := config.Default()
	cfg.Metrics.Enabled = true
	if mutate != nil {
		mutate(cfg)
	}
	app, err := newApplication(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(app.Close)
	return app
}

func TestApplicationRoutes(t *testing.T) {
	app := newTestApplication(t, func(cfg *config.Config) {
		cfg.LoginMessage = "Authorised use only"
	})
	srv := httptest.NewServer(app.handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + api.BasePath + "/authenticationMethods")
	require.NoError(t, err)
	var methods api.AuthenticationMethodsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&methods))
	resp.Body.Close()
	assert.True(t, methods.PasswordAuthenticationEnabled)
	assert.False(t, methods.CertificateAuthenticationEnabled)
	assert.Equal(t, "Authorised use only", methods.Message)
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))

	resp, err = http.Post(srv.URL+api.BasePath+"/login/password", "application/json",
		strings.NewReader(`{"username":"nobody","password":"wrong-password"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), `gatekeeper_logins_total{method="password",result="failure"} 1`)
	assert.Contains(t, string(body), "gatekeeper_sessions_active 0")
}

func TestApplicationBasicAuthSharesLockout(t *testing.T) {
	app := newTestApplication(t, nil)

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, api.BasePath+"/currentIdentity", nil)
		req.SetBasicAuth("mallory", "guess")
		rec := httptest.NewRecorder()
		app.handler.ServeHTTP(rec, req)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, api.BasePath+"/login/password",
		strings.NewReader(`{"username":"mallory","password":"guess"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	app.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestApplicationWithoutMetrics(t *testing.T) {
	app := newTestApplication(t, func(cfg *config.Config) {
		cfg.Metrics.Enabled = false
	})
	rec := httptest.NewRecorder()
	app.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func writeCA(t *testing.T) string {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "test-ca"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))
	return path
}

func TestApplicationServers(t *testing.T) {
	caPath := writeCA(t)

	t.Run("client auth ports get their own listener", func(t *testing.T) {
		app := newTestApplication(t, func(cfg *config.Config) {
			cfg.Listen = "127.0.0.1:8443"
			cfg.TLS.ClientCA = caPath
			cfg.TLS.ClientAuthPorts = []int{8444}
		})
		servers, err := app.servers()
		require.NoError(t, err)
		require.Len(t, servers, 2)
		assert.Equal(t, "127.0.0.1:8443", servers[0].Addr)
		assert.Equal(t, tls.NoClientCert, servers[0].TLSConfig.ClientAuth)
		assert.Equal(t, "127.0.0.1:8444", servers[1].Addr)
		assert.Equal(t, tls.RequireAndVerifyClientCert, servers[1].TLSConfig.ClientAuth)
		assert.NotNil(t, servers[1].TLSConfig.ClientCAs)
	})

	t.Run("main port doubling as client auth port", func(t *testing.T) {
		app := newTestApplication(t, func(cfg *config.Config) {
			cfg.Listen = ":8443"
			cfg.TLS.ClientCA = caPath
			cfg.TLS.ClientAuthPorts = []int{8443}
		})
		servers, err := app.servers()
		require.NoError(t, err)
		require.Len(t, servers, 1)
		assert.Equal(t, tls.RequireAndVerifyClientCert, servers[0].TLSConfig.ClientAuth)
	})

	t.Run("unreadable client ca", func(t *testing.T) {
		app := newTestApplication(t, func(cfg *config.Config) {
			cfg.TLS.ClientCA = filepath.Join(t.TempDir(), "missing.pem")
			cfg.TLS.ClientAuthPorts = []int{8444}
		})
		_, err := app.servers()
		assert.Error(t, err)
	})
}

func TestCertCommands(t *testing.T) {
	cfgPath := boltConfig(t)
	outDir := t.TempDir()
	caPath := filepath.Join(outDir, "ca.pem")

	_, err := execute(t, "", "cert", "init-ca", "Gatekeeper CA", "--config", cfgPath, "--out", caPath)
	require.NoError(t, err)
	caPEM, err := os.ReadFile(caPath)
	require.NoError(t, err)
	assert.Contains(t, string(caPEM), "BEGIN CERTIFICATE")

	_, err = execute(t, "", "cert", "init-ca", "Gatekeeper CA", "--config", cfgPath)
	assert.ErrorIs(t, err, pki.ErrAlreadyCA)

	out, err := execute(t, "", "cert", "ca", "--config", cfgPath)
	require.NoError(t, err)
	assert.Equal(t, string(caPEM), out)

	out, err = execute(t, "", "cert", "issue", "alice", "--config", cfgPath, "--out", outDir)
	require.NoError(t, err)
	assert.Contains(t, out, "issued certificate 02 for alice")
	certPEM, err := os.ReadFile(filepath.Join(outDir, "alice.crt"))
	require.NoError(t, err)
	info, err := os.Stat(filepath.Join(outDir, "alice.key"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	_, err = execute(t, "", "cert", "revoke", "02", "--config", cfgPath, "--reason", "1")
	require.NoError(t, err)

	out, err = execute(t, "", "cert", "list", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "alice")
	assert.Contains(t, out, "revoked")

	out, err = execute(t, "", "cert", "crl", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "BEGIN X509 CRL")

	// The server refuses the revoked certificate during the handshake.
	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)
	app, err := newApplication(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer app.Close()

	block, _ := pem.Decode(certPEM)
	require.NotNil(t, block)
	leaf, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	assert.ErrorIs(t, app.rejectRevoked(nil, [][]*x509.Certificate{{leaf}}), errCertificateRevoked)
	assert.NoError(t, app.rejectRevoked(nil, nil))
}

func TestCertIssueRequiresOutDir(t *testing.T) {
	_, err := execute(t, "", "cert", "issue", "alice", "--config", boltConfig(t))
	assert.Error(t, err)
}

func TestRejectRevokedWithoutAuthority(t *testing.T) {
	app := newTestApplication(t, nil)
	caPath := writeCA(t)
	pemBytes, err := os.ReadFile(caPath)
	require.NoError(t, err)
	block, _ := pem.Decode(pemBytes)
	cert, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	assert.NoError(t, app.rejectRevoked(nil, [][]*x509.Certificate{{cert}}))
}
