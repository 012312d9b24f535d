package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/pedrohba/converse/internal/session"
)

func main() {
	sessionFlag := parseFlags()
	args := sessionFlag.args

	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	c := newClient(session.SocketPath(sessionFlag.session))
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch args[0] {
	case "status":
		cmdStatus(ctx, c, sessionFlag.json)
	case "conversations":
		cmdConversations(ctx, c, sessionFlag.json)
	case "open":
		requireArgs(args, 2, "conversectl open <conversation>")
		cmdOpen(ctx, c, args[1], sessionFlag.json)
	case "messages":
		requireArgs(args, 2, "conversectl messages <conversation>")
		cmdMessages(ctx, c, args[1], sessionFlag.json)
	case "send":
		requireArgs(args, 3, "conversectl send <conversation> <text...>")
		cmdSend(ctx, c, args[1], strings.Join(args[2:], " "), sessionFlag.json)
	case "edit":
		requireArgs(args, 4, "conversectl edit <conversation> <message> <text...>")
		cmdEdit(ctx, c, args[1], args[2], strings.Join(args[3:], " "), sessionFlag.json)
	case "rm":
		requireArgs(args, 3, "conversectl rm <conversation> <message>")
		cmdDelete(ctx, c, args[1], args[2])
	case "draft":
		requireArgs(args, 3, "conversectl draft <get|set|clear> <conversation> [text...]")
		cmdDraft(ctx, c, args[1], args[2], strings.Join(args[3:], " "), sessionFlag.json)
	case "search":
		requireArgs(args, 2, "conversectl search <query...>")
		cmdSearch(ctx, c, strings.Join(args[1:], " "), sessionFlag.json)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: conversectl [--session <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                               Show daemon status")
	fmt.Fprintln(os.Stderr, "  conversations                        List conversations")
	fmt.Fprintln(os.Stderr, "  open <conversation>                  Activate a conversation")
	fmt.Fprintln(os.Stderr, "  messages <conversation>              Show cached messages")
	fmt.Fprintln(os.Stderr, "  send <conversation> <text>           Send a message")
	fmt.Fprintln(os.Stderr, "  edit <conversation> <message> <text> Edit a message")
	fmt.Fprintln(os.Stderr, "  rm <conversation> <message>          Delete a message")
	fmt.Fprintln(os.Stderr, "  draft get|set|clear <conversation>   Manage the draft")
	fmt.Fprintln(os.Stderr, "  search <query>                       Full-text message search")
}

type flags struct {
	session string
	json    bool
	args    []string
}

func parseFlags() flags {
	// Manual parse keeps flags usable before or after the subcommand.
	out := flags{session: ""}
	var rest []string
	args := os.Args[1:]
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--json":
			out.json = true
		case args[i] == "--session" && i+1 < len(args):
			i++
			out.session = args[i]
		case strings.HasPrefix(args[i], "--session="):
			out.session = strings.TrimPrefix(args[i], "--session=")
		default:
			rest = append(rest, args[i])
		}
	}
	out.session = session.Resolve(out.session)
	if err := session.ValidateName(out.session); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	out.args = rest
	return out
}

func requireArgs(args []string, n int, usage string) {
	if len(args) < n {
		fmt.Fprintf(os.Stderr, "usage: %s\n", usage)
		os.Exit(1)
	}
}

// client talks to the daemon's control API over its unix socket.
type client struct {
	httpc      *http.Client
	socketPath string
}

func newClient(socketPath string) *client {
	return &client{
		socketPath: socketPath,
		httpc: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
		},
	}
}

func (c *client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, "http://unix"+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("cannot reach daemon at %s: %w", c.socketPath, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var wire struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&wire)
		if wire.Error != "" {
			return fmt.Errorf("%s", wire.Error)
		}
		return fmt.Errorf("daemon returned %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func cmdStatus(ctx context.Context, c *client, jsonOut bool) {
	var resp struct {
		State              string `json:"state"`
		ActiveConversation string `json:"activeConversation"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/status", nil, &resp); err != nil {
		fatal(err)
	}
	if jsonOut {
		outputJSON(resp)
		return
	}
	fmt.Printf("State:  %s\n", resp.State)
	if resp.ActiveConversation != "" {
		fmt.Printf("Active: %s\n", resp.ActiveConversation)
	}
}

func cmdConversations(ctx context.Context, c *client, jsonOut bool) {
	var resp []struct {
		ID            string    `json:"id"`
		Kind          string    `json:"kind"`
		Name          string    `json:"name"`
		LastMessageAt time.Time `json:"lastMessageAt"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/conversations", nil, &resp); err != nil {
		fatal(err)
	}
	if jsonOut {
		outputJSON(resp)
		return
	}
	for _, conv := range resp {
		fmt.Printf("%-24s %-8s %s\n", conv.ID, conv.Kind, conv.Name)
	}
}

func cmdOpen(ctx context.Context, c *client, conversationID string, jsonOut bool) {
	var resp struct {
		ConversationID string `json:"conversationId"`
		Messages       int    `json:"messages"`
		Stale          bool   `json:"stale"`
	}
	path := "/v1/conversations/" + url.PathEscape(conversationID) + "/open"
	if err := c.do(ctx, http.MethodPost, path, map[string]string{}, &resp); err != nil {
		fatal(err)
	}
	if jsonOut {
		outputJSON(resp)
		return
	}
	fmt.Printf("Opened %s (%d messages cached)\n", resp.ConversationID, resp.Messages)
	if resp.Stale {
		fmt.Println("warning: server fetch failed, showing local copy")
	}
}

func cmdMessages(ctx context.Context, c *client, conversationID string, jsonOut bool) {
	var resp []struct {
		ID     string `json:"id"`
		Sender struct {
			ID          string `json:"id"`
			DisplayName string `json:"displayName"`
		} `json:"sender"`
		Content    string    `json:"content"`
		CreatedAt  time.Time `json:"createdAt"`
		Optimistic bool      `json:"optimistic"`
	}
	path := "/v1/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		fatal(err)
	}
	if jsonOut {
		outputJSON(resp)
		return
	}
	for _, m := range resp {
		name := m.Sender.DisplayName
		if name == "" {
			name = m.Sender.ID
		}
		marker := " "
		if m.Optimistic {
			marker = "*"
		}
		fmt.Printf("%s[%s] %s: %s\n", marker, m.CreatedAt.Local().Format("15:04"), name, m.Content)
	}
}

func cmdSend(ctx context.Context, c *client, conversationID, text string, jsonOut bool) {
	var resp struct {
		ID string `json:"id"`
	}
	path := "/v1/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := c.do(ctx, http.MethodPost, path, map[string]string{"content": text}, &resp); err != nil {
		fatal(err)
	}
	if jsonOut {
		outputJSON(resp)
		return
	}
	fmt.Printf("Queued %s\n", resp.ID)
}

func cmdEdit(ctx context.Context, c *client, conversationID, msgID, text string, jsonOut bool) {
	var resp map[string]any
	path := "/v1/conversations/" + url.PathEscape(conversationID) + "/messages/" + url.PathEscape(msgID)
	if err := c.do(ctx, http.MethodPatch, path, map[string]string{"content": text}, &resp); err != nil {
		fatal(err)
	}
	if jsonOut {
		outputJSON(resp)
		return
	}
	fmt.Println("Edited")
}

func cmdDelete(ctx context.Context, c *client, conversationID, msgID string) {
	path := "/v1/conversations/" + url.PathEscape(conversationID) + "/messages/" + url.PathEscape(msgID)
	if err := c.do(ctx, http.MethodDelete, path, nil, nil); err != nil {
		fatal(err)
	}
	fmt.Println("Deleted")
}

func cmdDraft(ctx context.Context, c *client, action, conversationID, text string, jsonOut bool) {
	path := "/v1/conversations/" + url.PathEscape(conversationID) + "/draft"
	switch action {
	case "get":
		var resp struct {
			Body string `json:"body"`
		}
		if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
			fatal(err)
		}
		if jsonOut {
			outputJSON(resp)
			return
		}
		fmt.Println(resp.Body)
	case "set":
		if err := c.do(ctx, http.MethodPut, path, map[string]string{"body": text}, nil); err != nil {
			fatal(err)
		}
		fmt.Println("Draft saved")
	case "clear":
		if err := c.do(ctx, http.MethodDelete, path, nil, nil); err != nil {
			fatal(err)
		}
		fmt.Println("Draft cleared")
	default:
		fmt.Fprintf(os.Stderr, "unknown draft action: %s\n", action)
		os.Exit(1)
	}
}

func cmdSearch(ctx context.Context, c *client, query string, jsonOut bool) {
	var resp []struct {
		ConversationID string `json:"conversationId"`
		MsgID          string `json:"msgId"`
		Snippet        string `json:"snippet"`
	}
	path := "/v1/search?q=" + url.QueryEscape(query)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		fatal(err)
	}
	if jsonOut {
		outputJSON(resp)
		return
	}
	for _, r := range resp {
		fmt.Printf("%s %s  %s\n", r.ConversationID, r.MsgID, r.Snippet)
	}
}
