package vitrine

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/ehrlich-b/vitrine/internal/discovery"
	"github.com/ehrlich-b/vitrine/internal/logger"
)

const apiRequestTimeout = 15 * time.Second

var errNotConnected = errors.New("client is not connected to a server")

// apiDo issues one authenticated API request against the discovered server,
// retrying once after rediscovery when the transport fails (the server may
// have restarted on a different port).
func (c *Client) apiDo(method, path string, in, out any) error {
	return c.apiDoTimeout(method, path, in, out, apiRequestTimeout)
}

func (c *Client) apiDoTimeout(method, path string, in, out any, timeout time.Duration) error {
	rec := c.currentRecord()
	if rec == nil {
		return errNotConnected
	}
	err := doRequest(rec, method, path, in, out, timeout)
	if err == nil || !isTransportError(err) {
		return err
	}

	fresh, derr := discovery.Discover(c.cfg.DataDir)
	if derr != nil {
		return err
	}
	logger.Debug("rediscovered server after transport failure", "port", fresh.Port)
	c.mu.Lock()
	c.rec = fresh
	c.mu.Unlock()
	return doRequest(fresh, method, path, in, out, timeout)
}

func (c *Client) currentRecord() *discovery.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rec
}

func doRequest(rec *discovery.Record, method, path string, in, out any, timeout time.Duration) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, rec.APIURL()+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+rec.Token)

	client := &http.Client{Timeout: timeout}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(res.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (HTTP %d)", apiErr.Error, res.StatusCode)
		}
		return fmt.Errorf("HTTP %d from %s %s", res.StatusCode, method, path)
	}
	if out == nil {
		io.Copy(io.Discard, res.Body)
		return nil
	}
	return json.NewDecoder(res.Body).Decode(out)
}

// apiGetRaw fetches a non-JSON body (exports, archives).
func (c *Client) apiGetRaw(path string, timeout time.Duration) ([]byte, error) {
	rec := c.currentRecord()
	if rec == nil {
		return nil, errNotConnected
	}
	req, err := http.NewRequest("GET", rec.APIURL()+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+rec.Token)
	client := &http.Client{Timeout: timeout}
	res, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d from GET %s", res.StatusCode, path)
	}
	return io.ReadAll(res.Body)
}

// isTransportError reports whether the request never reached a server, as
// opposed to an HTTP-level rejection.
func isTransportError(err error) bool {
	var uerr *url.Error
	return errors.As(err, &uerr)
}
