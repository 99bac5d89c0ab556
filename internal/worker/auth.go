package worker

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// authClient talks to the login-queue REST service that gates upstream
// logins. The server's certificate chain is not validated, matching the
// trust model of the session socket itself.
type authClient struct {
	host  string
	httpc *http.Client
	log   zerolog.Logger
}

func newAuthClient(host string, log zerolog.Logger) *authClient {
	return &authClient{
		host: host,
		httpc: &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
			Timeout: 30 * time.Second,
		},
		log: log,
	}
}

type queueTicker struct {
	Node    int `json:"node"`
	ID      int `json:"id"`
	Current int `json:"current"`
}

type queueResponse struct {
	Token   string        `json:"token"`
	Node    int           `json:"node"`
	Champ   string        `json:"champ"`
	Rate    int           `json:"rate"`
	Delay   int           `json:"delay"`
	Tickers []queueTicker `json:"tickers"`
}

// Token authenticates against the login queue and returns the auth token,
// waiting out the queue when the account is not admitted immediately.
func (c *authClient) Token(username, password string) (string, error) {
	payload := fmt.Sprintf("payload=user%%3D%s%%2Cpassword%%3D%s", username, password)
	url := fmt.Sprintf("https://%s/login-queue/rest/queue/authenticate", c.host)

	resp, err := c.httpc.Post(url, "application/x-www-form-urlencoded", strings.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("login queue authenticate: %w", err)
	}
	var qr queueResponse
	err = json.NewDecoder(resp.Body).Decode(&qr)
	resp.Body.Close()
	if err != nil {
		return "", fmt.Errorf("login queue authenticate: %w", err)
	}

	if qr.Token != "" {
		return qr.Token, nil
	}
	return c.waitQueue(username, &qr)
}

// waitQueue polls the ticker endpoint until the account's ticket is within
// the processing rate, then polls the token endpoint until it appears.
func (c *authClient) waitQueue(username string, qr *queueResponse) (string, error) {
	var id, cur int
	for _, t := range qr.Tickers {
		if t.Node == qr.Node {
			id = t.ID
			cur = t.Current
			break
		}
	}
	nodeKey := strconv.Itoa(qr.Node)
	delay := time.Duration(qr.Delay) * time.Millisecond
	if delay <= 0 {
		delay = time.Second
	}
	c.log.Info().Str("account", username).Int("position", id-cur).Msg("Waiting in login queue")

	tickerURL := fmt.Sprintf("https://%s/login-queue/rest/queue/ticker/%s", c.host, qr.Champ)
	for id-cur > qr.Rate {
		time.Sleep(delay)

		body, err := c.get(tickerURL)
		if err != nil {
			return "", fmt.Errorf("login queue ticker: %w", err)
		}
		var tick map[string]string
		if err := json.Unmarshal(body, &tick); err != nil {
			return "", fmt.Errorf("login queue ticker: %w", err)
		}

		// The serviced ticket comes back hex-encoded, keyed by node number.
		next, err := strconv.ParseInt(tick[nodeKey], 16, 64)
		if err != nil {
			continue
		}
		cur = int(next)
		c.log.Info().Str("account", username).Int("position", id-cur).Msg("Waiting in login queue")
	}

	tokenURL := fmt.Sprintf("https://%s/login-queue/rest/queue/authToken/%s", c.host, username)
	for {
		time.Sleep(delay)

		body, err := c.get(tokenURL)
		if err != nil {
			c.log.Warn().Err(err).Str("account", username).Msg("Token poll failed, retrying")
			continue
		}
		var tr struct {
			Token string `json:"token"`
		}
		if err := json.Unmarshal(body, &tr); err != nil || tr.Token == "" {
			continue
		}
		return tr.Token, nil
	}
}

func (c *authClient) get(url string) ([]byte, error) {
	resp, err := c.httpc.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}
