package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/switchboard/internal/config"
	"github.com/nextlevelbuilder/switchboard/internal/sessions"
	"github.com/nextlevelbuilder/switchboard/pkg/protocol"
)

func chatCmd() *cobra.Command {
	var (
		addr    string
		session string
		message string
		token   string
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with a running gateway from the terminal",
		Run: func(cmd *cobra.Command, args []string) {
			runChat(addr, session, message, token)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "gateway address host:port (default: from config)")
	cmd.Flags().StringVar(&session, "session", "", "session key (default: the agent main session)")
	cmd.Flags().StringVarP(&message, "message", "m", "", "send one message and exit")
	cmd.Flags().StringVar(&token, "token", "", "gateway token (default: config or $SWITCHBOARD_GATEWAY_TOKEN)")
	return cmd
}

func runChat(addr, sessionKey, message, token string) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}
	if addr == "" {
		host := cfg.Gateway.Host
		// A wildcard bind address is not dialable; assume local.
		if host == "" || host == "0.0.0.0" || host == "::" {
			host = "127.0.0.1"
		}
		addr = fmt.Sprintf("%s:%d", host, cfg.Gateway.Port)
	}
	if token == "" {
		token = cfg.Auth.Token
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	cli, err := dialChat(ctx, fmt.Sprintf("ws://%s/ws", addr), token)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	defer cli.close()

	if message != "" {
		text, err := cli.chatSend(context.Background(), sessionKey, message)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(text)
		return
	}

	fmt.Fprintf(os.Stderr, "switchboard chat · %s\n", addr)
	if sessionKey != "" {
		fmt.Fprintf(os.Stderr, "session: %s\n", sessionKey)
	}
	fmt.Fprintln(os.Stderr, "type /quit to exit, /new for a fresh session")
	fmt.Fprintln(os.Stderr)

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for {
		fmt.Fprint(os.Stderr, "you> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		switch input {
		case "/quit", "/exit":
			return
		case "/new":
			sessionKey = sessions.MainKey("main", "cli-"+uuid.NewString()[:8])
			fmt.Fprintf(os.Stderr, "session: %s\n\n", sessionKey)
			continue
		}

		text, err := cli.chatSend(context.Background(), sessionKey, input)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n\n", err)
			continue
		}
		fmt.Printf("\n%s\n\n", wrapText(text, termWidth()))
	}
}

// chatClient is a minimal gateway peer: one WebSocket, one request in
// flight at a time, chat events interleaved with responses.
type chatClient struct {
	conn *websocket.Conn
	seq  int
}

func dialChat(ctx context.Context, wsURL, token string) (*chatClient, error) {
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{})
	if err != nil {
		return nil, fmt.Errorf("gateway dial %s: %w", wsURL, err)
	}
	conn.SetReadLimit(1 << 22)
	cli := &chatClient{conn: conn}

	params := protocol.ConnectParams{
		MinProtocol: protocol.ProtocolVersion,
		Token:       token,
		Client: protocol.PeerInfo{
			Mode:    protocol.ModeClient,
			ID:      "cli-" + uuid.NewString()[:8],
			Name:    "switchboard-chat",
			Version: Version,
		},
	}
	if _, err := cli.awaitRes(ctx, cli.send(ctx, protocol.MethodConnect, params)); err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, fmt.Errorf("connect rejected: %w", err)
	}
	return cli, nil
}

func (c *chatClient) close() {
	c.conn.Close(websocket.StatusNormalClosure, "bye")
}

func (c *chatClient) send(ctx context.Context, method string, params interface{}) string {
	c.seq++
	id := "c" + strconv.Itoa(c.seq)
	raw, err := json.Marshal(protocol.NewReq(id, method, params))
	if err == nil {
		err = c.conn.Write(ctx, websocket.MessageText, raw)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "send %s: %v\n", method, err)
	}
	return id
}

// readFrame returns the next well-formed frame, skipping anything it
// cannot decode.
func (c *chatClient) readFrame(ctx context.Context) (*protocol.Frame, error) {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return nil, fmt.Errorf("read: %w", err)
		}
		var f protocol.Frame
		if err := json.Unmarshal(data, &f); err != nil || !f.Valid() {
			continue
		}
		return &f, nil
	}
}

// awaitRes reads frames until the response for id arrives, discarding
// events.
func (c *chatClient) awaitRes(ctx context.Context, id string) (json.RawMessage, error) {
	for {
		f, err := c.readFrame(ctx)
		if err != nil {
			return nil, err
		}
		if f.Type != protocol.TypeRes || f.ID != id {
			continue
		}
		if f.OK == nil || !*f.OK {
			if f.Error != nil {
				return nil, fmt.Errorf("%s", f.Error.Message)
			}
			return nil, fmt.Errorf("request failed")
		}
		return f.Payload, nil
	}
}

// chatSend runs one chat round trip. The response acknowledges the run
// (or answers inline for slash commands); chat events then stream until
// the final state for our run id.
func (c *chatClient) chatSend(ctx context.Context, sessionKey, text string) (string, error) {
	runID := uuid.NewString()
	params := map[string]interface{}{
		"text":  text,
		"runId": runID,
	}
	if sessionKey != "" {
		params["sessionKey"] = sessionKey
	}
	id := c.send(ctx, protocol.MethodChatSend, params)

	var (
		resolved bool
		partial  bool
	)
	for {
		f, err := c.readFrame(ctx)
		if err != nil {
			return "", err
		}

		if f.Type == protocol.TypeRes && f.ID == id {
			if f.OK == nil || !*f.OK {
				if f.Error != nil {
					return "", fmt.Errorf("%s", f.Error.Message)
				}
				return "", fmt.Errorf("chat.send failed")
			}
			var ack struct {
				Status   string `json:"status"`
				Response string `json:"response"`
			}
			if len(f.Payload) > 0 {
				_ = json.Unmarshal(f.Payload, &ack)
			}
			// Slash commands and directives answer on the response
			// itself; no run follows.
			if ack.Status == "command" {
				return ack.Response, nil
			}
			resolved = true
			continue
		}

		if f.Type != protocol.TypeEvt {
			continue
		}
		switch f.Event {
		case protocol.EventShutdown:
			return "", fmt.Errorf("gateway is shutting down")
		case protocol.EventChat:
			var evt protocol.ChatEvent
			if err := json.Unmarshal(f.Payload, &evt); err != nil || evt.RunID != runID {
				continue
			}
			switch evt.State {
			case protocol.ChatStatePartial:
				if !partial {
					fmt.Fprint(os.Stderr, "…")
					partial = true
				}
			case protocol.ChatStateFinal:
				if partial {
					fmt.Fprintln(os.Stderr)
				}
				if !resolved {
					// Fast runs can finish before the ack lands;
					// drain it so the next request reads clean.
					if _, err := c.awaitRes(ctx, id); err != nil {
						return "", err
					}
				}
				if evt.Message != nil {
					return evt.Message.TextContent(), nil
				}
				return "", nil
			case protocol.ChatStateError:
				if partial {
					fmt.Fprintln(os.Stderr)
				}
				if evt.Error != nil {
					return "", fmt.Errorf("%s", evt.Error.Message)
				}
				return "", fmt.Errorf("agent run failed")
			}
		}
	}
}

// termWidth reads COLUMNS when the shell exports it, otherwise 80.
func termWidth() int {
	if v := os.Getenv("COLUMNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 20 {
			return n
		}
	}
	return 80
}

// wrapText folds text to the given display width, counting wide runes
// by their rendered width. Existing newlines are kept.
func wrapText(text string, width int) string {
	var out strings.Builder
	for i, line := range strings.Split(text, "\n") {
		if i > 0 {
			out.WriteString("\n")
		}
		out.WriteString(wrapLine(line, width))
	}
	return out.String()
}

func wrapLine(line string, width int) string {
	if runewidth.StringWidth(line) <= width {
		return line
	}
	var (
		out  strings.Builder
		cur  strings.Builder
		curW int
	)
	for _, word := range strings.Fields(line) {
		w := runewidth.StringWidth(word)
		if curW > 0 && curW+1+w > width {
			out.WriteString(cur.String())
			out.WriteString("\n")
			cur.Reset()
			curW = 0
		}
		if curW > 0 {
			cur.WriteString(" ")
			curW++
		}
		// A word wider than the whole line is hard-split per row.
		for w > width {
			cut := runewidth.Truncate(word, width, "")
			out.WriteString(cut)
			out.WriteString("\n")
			word = strings.TrimPrefix(word, cut)
			w = runewidth.StringWidth(word)
		}
		cur.WriteString(word)
		curW += w
	}
	out.WriteString(cur.String())
	return out.String()
}
