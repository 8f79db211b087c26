// directory.go - Relay directory client.
// Copyright (C) 2026  The Aenigma Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package graph

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"gopkg.in/op/go-logging.v1"
)

const (
	directoryTimeout = 30 * time.Second
	maxResponseSize  = 4 << 20
)

// DirectoryError is the error used to indicate a failed or rejected
// directory lookup.
type DirectoryError struct {
	// Err is the original error.
	Err error
}

// Error implements the error interface.
func (e *DirectoryError) Error() string {
	return fmt.Sprintf("graph/directory: %v", e.Err)
}

// Unwrap returns the original error.
func (e *DirectoryError) Unwrap() error {
	return e.Err
}

func newDirectoryError(f string, a ...interface{}) error {
	return &DirectoryError{Err: fmt.Errorf(f, a...)}
}

// DialContextFunc dials a network connection.
type DialContextFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Verifier checks vertex signatures.  It must return false for keys it
// cannot parse.
type Verifier interface {
	Verify(pub, msg, sig []byte) bool
}

// Record is a vertex as published by the directory.
type Record struct {
	PublicKey    string        `json:"publicKey"`
	SignedData   string        `json:"signedData"`
	Neighborhood *Neighborhood `json:"neighborhood"`
}

// Info describes the directory server.
type Info struct {
	PublicKey    string `json:"publicKey"`
	Address      string `json:"address"`
	GraphVersion string `json:"graphVersion"`
}

// Resolved is a validated directory vertex with its outgoing neighbors.
type Resolved struct {
	Vertex    Vertex
	Neighbors []Address
}

// Validate checks a directory record.  When leafKey is set the record is
// a leaf client known under that key: it must have exactly one neighbor,
// its guard.  Otherwise the record key must match the advertised address.
// In both cases the neighborhood must be signed by the key.
func Validate(v Verifier, rec *Record, leafKey []byte) (*Resolved, error) {
	if rec == nil || rec.Neighborhood == nil {
		return nil, newDirectoryError("missing neighborhood")
	}
	key := leafKey
	if len(key) == 0 {
		var err error
		if key, err = base64.StdEncoding.DecodeString(rec.PublicKey); err != nil || len(key) == 0 {
			return nil, newDirectoryError("invalid public key")
		}
	}
	nb := rec.Neighborhood
	if len(leafKey) != 0 && len(nb.Neighbors) != 1 {
		return nil, newDirectoryError("leaf vertex has %d neighbors", len(nb.Neighbors))
	}
	addr, err := ParseAddress(nb.Address)
	if err != nil {
		return nil, newDirectoryError("invalid vertex address '%v'", nb.Address)
	}
	neighbors := make([]Address, 0, len(nb.Neighbors))
	for _, s := range nb.Neighbors {
		n, err := ParseAddress(s)
		if err != nil {
			return nil, newDirectoryError("invalid neighbor address '%v'", s)
		}
		neighbors = append(neighbors, n)
	}
	if len(leafKey) == 0 && AddressFromKey(key) != addr {
		return nil, newDirectoryError("public key does not match address %v", addr)
	}
	sig, err := base64.StdEncoding.DecodeString(rec.SignedData)
	if err != nil {
		return nil, newDirectoryError("invalid signature encoding")
	}
	serialized, err := json.Marshal(nb)
	if err != nil {
		return nil, newDirectoryError("%v", err)
	}
	if !v.Verify(key, serialized, sig) {
		return nil, newDirectoryError("bad neighborhood signature for %v", addr)
	}
	return &Resolved{
		Vertex: Vertex{
			Address:   addr,
			PublicKey: key,
			Hostname:  nb.Hostname,
		},
		Neighbors: neighbors,
	}, nil
}

// Directory is a client for the relay directory HTTP API.
type Directory struct {
	base     *url.URL
	client   *http.Client
	verifier Verifier
	log      *logging.Logger
}

// NewDirectory returns a directory client for the API rooted at base.  If
// dial is non-nil all connections are made through it, for example via a
// SOCKS5 proxy.
func NewDirectory(base string, dial DialContextFunc, verifier Verifier, log *logging.Logger) (*Directory, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, newDirectoryError("invalid base URL: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, newDirectoryError("unsupported scheme '%v'", u.Scheme)
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if dial != nil {
		transport.DialContext = dial
		transport.Proxy = nil
	}
	return &Directory{
		base:     u,
		client:   &http.Client{Transport: transport, Timeout: directoryTimeout},
		verifier: verifier,
		log:      log,
	}, nil
}

func (d *Directory) get(ctx context.Context, path string, query url.Values, out interface{}) error {
	u := d.base.JoinPath(path)
	u.RawQuery = query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return newDirectoryError("%v", err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return newDirectoryError("%v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return newDirectoryError("GET %v: %v", path, resp.Status)
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(out); err != nil {
		return newDirectoryError("GET %v: %v", path, err)
	}
	return nil
}

// Vertex looks up and validates a single vertex.  For a leaf client pass
// its known public key as leafKey; the returned single neighbor is then
// the client's guard.
func (d *Directory) Vertex(ctx context.Context, addr Address, leafKey []byte) (*Resolved, error) {
	rec := new(Record)
	if err := d.get(ctx, "Vertex", url.Values{"Address": {addr.String()}}, rec); err != nil {
		return nil, err
	}
	r, err := Validate(d.verifier, rec, leafKey)
	if err != nil {
		return nil, err
	}
	if r.Vertex.Address != addr {
		return nil, newDirectoryError("asked for %v, got %v", addr, r.Vertex.Address)
	}
	return r, nil
}

// Vertices fetches the full relay list.  Records failing validation are
// dropped.
func (d *Directory) Vertices(ctx context.Context) ([]Resolved, error) {
	var recs []*Record
	if err := d.get(ctx, "Vertices", nil, &recs); err != nil {
		return nil, err
	}
	out := make([]Resolved, 0, len(recs))
	for _, rec := range recs {
		r, err := Validate(d.verifier, rec, nil)
		if err != nil {
			d.log.Debugf("Dropping vertex: %v", err)
			continue
		}
		out = append(out, *r)
	}
	return out, nil
}

// Info fetches the directory server description.
func (d *Directory) Info(ctx context.Context) (*Info, error) {
	info := new(Info)
	if err := d.get(ctx, "Info", nil, info); err != nil {
		return nil, err
	}
	return info, nil
}
