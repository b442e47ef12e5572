package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/cretz/bine/tor"
	"github.com/cretz/bine/torutil"
	tued25519 "github.com/cretz/bine/torutil/ed25519"
)

// getOrCreatePK reads the PEM encoded onion service key from keyFile,
// generating and saving a new one if the file doesn't exist.
func getOrCreatePK(keyFile string) (ed25519.PrivateKey, error) {
	d, err := os.ReadFile(keyFile)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}

		_, pk, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, err
		}
		x509Encoded, err := x509.MarshalPKCS8PrivateKey(pk)
		if err != nil {
			return nil, err
		}
		pemEncoded := pem.EncodeToMemory(&pem.Block{Type: "ED25519 PRIVATE KEY", Bytes: x509Encoded})
		if err := os.WriteFile(keyFile, pemEncoded, 0600); err != nil {
			return nil, err
		}
		return pk, nil
	}

	block, _ := pem.Decode(d)
	if block == nil {
		return nil, errors.New("no PEM block in key file")
	}
	tPk, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	pk, ok := tPk.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("invalid key type %T wanted ed25519.PrivateKey", tPk)
	}
	return pk, nil
}

// torServer serves an http.Server as a v3 onion service.
type torServer struct {
	srv        *http.Server
	privateKey ed25519.PrivateKey

	// Path to the tor binary. Looked up in PATH if empty.
	exePath string
}

func onionAddr(pk ed25519.PrivateKey) string {
	return torutil.OnionServiceIDFromV3PublicKey(tued25519.PublicKey([]byte(pk.Public().(ed25519.PublicKey))))
}

// ListenAndServe starts tor, publishes the onion service and serves the
// server on it until the server is shut down.
func (ts *torServer) ListenAndServe() error {
	ln, err := net.Listen("tcp", ts.srv.Addr)
	if err != nil {
		return err
	}

	d, err := os.MkdirTemp("", "roomcast-tor")
	if err != nil {
		return err
	}
	defer os.RemoveAll(d)

	t, err := tor.Start(context.Background(), &tor.StartConf{ExePath: ts.exePath, TempDataDirBase: d, NoHush: true})
	if err != nil {
		return fmt.Errorf("unable to start Tor: %v", err)
	}
	defer t.Close()

	// Wait at most a few minutes to publish the service.
	listenCtx, listenCancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer listenCancel()

	// Create a v3 onion service on the local listener that shows as port 80.
	onion, err := t.Listen(listenCtx, &tor.ListenConf{LocalListener: ln, Key: ts.privateKey, Version3: true, RemotePorts: []int{80}})
	if err != nil {
		return fmt.Errorf("unable to create onion service: %v", err)
	}
	defer onion.Close()

	return ts.srv.Serve(onion)
}
