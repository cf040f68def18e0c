package calendar

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os/exec"
	"runtime"
	"time"

	"golang.org/x/oauth2"
)

// AuthFlow runs the OAuth2 authorization code flow with a loopback redirect.
// It starts a temporary localhost HTTP server, opens the user's browser to
// Google's consent screen, and captures the authorization code via redirect.
// The returned token is what a user row stores as its credential.
func AuthFlow(ctx context.Context, clientID, clientSecret string) (*oauth2.Token, error) {
	return authFlowWithListener(ctx, clientID, clientSecret, nil)
}

// authFlowWithListener is the testable version that accepts an optional
// listener. If listener is nil, a random localhost port is chosen.
func authFlowWithListener(ctx context.Context, clientID, clientSecret string, listener net.Listener) (*oauth2.Token, error) {
	var err error
	if listener == nil {
		listener, err = net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return nil, fmt.Errorf("listen on localhost: %w", err)
		}
	}

	// Random state for CSRF protection.
	stateBytes := make([]byte, 16)
	if _, err := rand.Read(stateBytes); err != nil {
		listener.Close()
		return nil, fmt.Errorf("generate state: %w", err)
	}
	state := hex.EncodeToString(stateBytes)

	return runCallbackServer(ctx, clientID, clientSecret, listener, state, true)
}

// runCallbackServer starts a temporary HTTP server, waits for the OAuth
// callback, and exchanges the authorization code for a token.
func runCallbackServer(ctx context.Context, clientID, clientSecret string, listener net.Listener, state string, showBrowser bool) (*oauth2.Token, error) {
	defer listener.Close()

	port := listener.Addr().(*net.TCPAddr).Port
	redirectURL := fmt.Sprintf("http://localhost:%d", port)

	cfg := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     googleoauth2Endpoint,
		Scopes:       oauthScopes,
		RedirectURL:  redirectURL,
	}

	if showBrowser {
		authURL := cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
		fmt.Printf("\nOpening browser to authorize calchime...\n\n")
		fmt.Printf("If the browser doesn't open, visit this URL:\n\n  %s\n\n", authURL)
		openBrowser(authURL)
	}

	type result struct {
		code string
		err  error
	}
	ch := make(chan result, 1)

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			return
		}

		if errParam := r.URL.Query().Get("error"); errParam != "" {
			http.Error(w, "Authorization denied: "+errParam, http.StatusForbidden)
			ch <- result{err: fmt.Errorf("authorization denied: %s", errParam)}
			return
		}

		if r.URL.Query().Get("state") != state {
			http.Error(w, "Invalid state parameter", http.StatusBadRequest)
			ch <- result{err: fmt.Errorf("state mismatch")}
			return
		}

		code := r.URL.Query().Get("code")
		if code == "" {
			http.Error(w, "No authorization code", http.StatusBadRequest)
			ch <- result{err: fmt.Errorf("no authorization code in callback")}
			return
		}

		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, "<html><body><h2>Authorization successful!</h2><p>You can close this tab.</p></body></html>")
		ch <- result{code: code}
	})

	srv := &http.Server{Handler: mux}
	go srv.Serve(listener)

	var res result
	select {
	case <-ctx.Done():
		srv.Close()
		return nil, ctx.Err()
	case res = <-ch:
	}

	// Gracefully shut down so the handler's HTTP response is fully flushed
	// before we close the connection (srv.Close would kill it immediately).
	shutCtx, shutCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer shutCancel()
	srv.Shutdown(shutCtx)

	if res.err != nil {
		return nil, res.err
	}
	token, err := cfg.Exchange(ctx, res.code)
	if err != nil {
		return nil, fmt.Errorf("exchange code for token: %w", err)
	}
	return token, nil
}

// MarshalToken encodes a token the way user rows store credentials.
func MarshalToken(token *oauth2.Token) ([]byte, error) {
	data, err := json.Marshal(token)
	if err != nil {
		return nil, fmt.Errorf("marshal token: %w", err)
	}
	return data, nil
}

func openBrowser(url string) {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "linux":
		cmd = exec.Command("xdg-open", url)
	default:
		return
	}
	cmd.Start()
}
