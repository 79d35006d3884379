// Package rest is the typed client for the marketplace API endpoints the
// chat subsystem consumes: paginated message history and room creation.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/jobdeck/chatkit/internal/types"
)

const requestTimeout = 30 * time.Second

// TokenSource supplies the current access token for the Authorization
// header.
type TokenSource interface {
	Token() string
}

type Client struct {
	baseURL    string
	tokens     TokenSource
	log        *log.Logger
	httpClient *http.Client
}

func NewClient(baseURL string, tokens TokenSource, logger *log.Logger) *Client {
	return &Client{
		baseURL:    baseURL,
		tokens:     tokens,
		log:        logger,
		httpClient: &http.Client{Timeout: requestTimeout},
	}
}

// FetchMessages retrieves one page of a room's history. An empty cursor in
// the response marks the oldest page.
func (c *Client) FetchMessages(ctx context.Context, q types.HistoryQuery) (*types.MessagePage, error) {
	path := fmt.Sprintf("/api/%s/chat-rooms/%s/messages", q.Scope.PathSegment(), url.PathEscape(q.ChatRoomId))

	query := url.Values{}
	query.Set("pageSize", strconv.Itoa(q.PageSize))
	if q.Cursor != "" {
		query.Set("cursor", q.Cursor)
	}

	respBody, err := c.doRequest(ctx, http.MethodGet, path+"?"+query.Encode(), nil)
	if err != nil {
		return nil, err
	}

	var page types.MessagePage
	if err := json.Unmarshal(respBody, &page); err != nil {
		return nil, fmt.Errorf("decode message page: %w", err)
	}
	return &page, nil
}

// CreateRoomParams identifies the counterpart a new room is opened with.
type CreateRoomParams struct {
	OpponentId string `json:"opponentId"`
}

// CreateRoomResponse is the server's answer to a room creation request.
type CreateRoomResponse struct {
	ChatRoomId string `json:"chatRoomId"`
}

// CreateRoom opens (or returns the existing) chat room with the given
// counterpart.
func (c *Client) CreateRoom(ctx context.Context, scope types.Scope, params CreateRoomParams) (*CreateRoomResponse, error) {
	body, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode create room params: %w", err)
	}

	respBody, err := c.doRequest(ctx, http.MethodPost, "/api/"+scope.PathSegment()+"/chat-rooms", body)
	if err != nil {
		return nil, err
	}

	var resp CreateRoomResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("decode create room response: %w", err)
	}
	return &resp, nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.tokens.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		var errResp struct {
			Message string `json:"message"`
		}
		json.Unmarshal(respBody, &errResp)
		return nil, fmt.Errorf("api error %d: %s", resp.StatusCode, errResp.Message)
	}

	return respBody, nil
}
