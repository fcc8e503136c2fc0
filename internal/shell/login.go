package shell

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os/exec"
	"runtime"
	"time"

	"github.com/giantswarm/toolbridge/pkg/logging"
)

// authorizationTimeout bounds how long login waits for the browser callback.
const authorizationTimeout = 5 * time.Minute

// handleLogin runs the OAuth authorization flow for one server: a loopback
// callback listener is started first, then the browser is sent to the
// authorization endpoint, and the flow completes when the callback delivers
// the code and state.
func (s *Shell) handleLogin(ctx context.Context, ref string) error {
	d, err := s.resolveServer(ref)
	if err != nil {
		return err
	}

	parsedURL, err := url.Parse(s.redirectURI)
	if err != nil {
		return fmt.Errorf("invalid redirect URI: %w", err)
	}

	callbackChan := make(chan map[string]string, 1)
	errChan := make(chan error, 1)

	// Isolated ServeMux to avoid conflicts with the global default mux.
	mux := http.NewServeMux()
	mux.HandleFunc(parsedURL.Path, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		params := make(map[string]string)
		for key, values := range r.URL.Query() {
			if len(values) > 0 {
				params[key] = values[0]
			}
		}

		if params["error"] != "" {
			errChan <- fmt.Errorf("authorization error: %s - %s", params["error"], params["error_description"])
			http.Error(w, "Authorization failed", http.StatusBadRequest)
			return
		}

		callbackChan <- params
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><body><h1>Authorization successful</h1><p>You can close this window.</p></body></html>`))
	})

	server := &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	// Bind before the browser is sent anywhere, so the redirect can never
	// beat the listener.
	ln, err := net.Listen("tcp", parsedURL.Host)
	if err != nil {
		return fmt.Errorf("starting callback listener on %s: %w", parsedURL.Host, err)
	}
	go func() {
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("callback server error: %w", err)
		}
	}()
	defer func() { _ = server.Shutdown(context.Background()) }()

	authURL, err := s.registry.BeginAuthorization(ctx, d.ID)
	if err != nil {
		return err
	}
	fmt.Printf("Authorization URL: %s\n", authURL)
	fmt.Println("Waiting for authorization in the browser...")

	var params map[string]string
	select {
	case params = <-callbackChan:
	case err := <-errChan:
		return err
	case <-time.After(authorizationTimeout):
		return fmt.Errorf("authorization timeout")
	case <-ctx.Done():
		return ctx.Err()
	}

	code := params["code"]
	if code == "" {
		return fmt.Errorf("no authorization code received")
	}

	if err := s.registry.CompleteAuthorization(ctx, d.ID, code, params["state"]); err != nil {
		return err
	}

	logging.Info("Shell", "Authorization complete for server %s", d.Name)
	fmt.Printf("Logged in to %s\n", d.Name)
	return nil
}

// OpenBrowser opens the given URL in the platform's default browser. Only
// http and https URLs are accepted.
func OpenBrowser(urlStr string) error {
	parsedURL, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return fmt.Errorf("invalid URL scheme for browser: %s (only http/https allowed)", parsedURL.Scheme)
	}

	var cmd *exec.Cmd

	switch runtime.GOOS {
	case "linux":
		cmd = exec.Command("xdg-open", urlStr)
	case "darwin":
		cmd = exec.Command("open", urlStr)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", urlStr)
	default:
		return fmt.Errorf("unsupported platform")
	}

	return cmd.Start()
}
