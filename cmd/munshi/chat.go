package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"

	"golang.org/x/term"

	"github.com/munshi-ai/munshi/pkg/config"
	"github.com/munshi-ai/munshi/pkg/events"
	"github.com/munshi-ai/munshi/pkg/orchestrator"
	"github.com/munshi-ai/munshi/pkg/runtime"
)

// ChatCmd chats from the terminal, either against a running server or
// with an in-process runtime.
type ChatCmd struct {
	Server string `help:"Base URL of a running munshi server. Empty runs the stack in-process." placeholder:"URL"`
	Conv   int64  `help:"Conversation id to resume. Zero starts a new one."`
	Token  string `help:"Bearer token for servers with auth enabled."`
}

func (c *ChatCmd) Run(cli *CLI) error {
	ctx := context.Background()

	if c.Server != "" {
		cleanup, err := setupLogging(cli, config.LoggingConfig{}, defaultChatLogFile)
		if err != nil {
			return err
		}
		if cleanup != nil {
			defer cleanup()
		}
		base := c.Server
		if !strings.Contains(base, "://") {
			base = "http://" + base
		}
		return chatLoop(ctx, &remoteSession{
			base:   strings.TrimRight(base, "/"),
			token:  c.Token,
			client: &http.Client{},
			conv:   c.Conv,
		})
	}

	cfg, loader, err := c.localConfig(ctx, cli.Config)
	if err != nil {
		return err
	}
	if loader != nil {
		defer loader.Close()
	}
	cleanup, err := setupLogging(cli, cfg.Logging, defaultChatLogFile)
	if err != nil {
		return err
	}
	if cleanup != nil {
		defer cleanup()
	}

	rt, err := runtime.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	return chatLoop(ctx, &localSession{rt: rt, conv: c.Conv})
}

func (c *ChatCmd) localConfig(ctx context.Context, path string) (*config.Config, *config.Loader, error) {
	if path == "" {
		return config.Default(), nil, nil
	}
	cfg, loader, err := config.LoadConfigFile(ctx, path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, loader, nil
}

// chatSession delivers operator messages and streams the replies.
type chatSession interface {
	// send runs one message and renders the reply stream. It returns
	// once the run reaches a terminal frame.
	send(ctx context.Context, text string) error
	// interrupt stops the active run, if any.
	interrupt()
}

const chatPrompt = "you> "

func chatLoop(ctx context.Context, session chatSession) error {
	fmt.Println("munshi chat. /quit to exit, Ctrl+C to interrupt a running turn.")
	fmt.Println()

	reader := bufio.NewReader(os.Stdin)
	interactive := term.IsTerminal(int(os.Stdin.Fd()))

	for {
		if interactive {
			fmt.Print(accentColor + chatPrompt + resetColor)
		}
		line, err := reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				fmt.Println()
				return nil
			}
			return fmt.Errorf("failed to read input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			switch line {
			case "/quit", "/exit":
				fmt.Println("bye")
				return nil
			default:
				fmt.Printf("unknown command: %s\n", line)
				continue
			}
		}

		stop := interruptOnSignal(session.interrupt)
		err = session.send(ctx, line)
		stop()
		if err != nil {
			fmt.Printf("%serror: %v%s\n", dimColor, err, resetColor)
		}
		fmt.Println()
	}
}

// interruptOnSignal forwards the first Ctrl+C to the active run and
// returns a stop function that restores default signal handling.
func interruptOnSignal(interrupt func()) func() {
	sigCh := make(chan os.Signal, 1)
	done := make(chan struct{})
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		select {
		case <-sigCh:
			interrupt()
		case <-done:
		}
	}()
	return func() {
		signal.Stop(sigCh)
		close(done)
	}
}

// remoteSession talks to a running server over SSE.
type remoteSession struct {
	base   string
	token  string
	client *http.Client
	conv   int64
}

func (s *remoteSession) send(ctx context.Context, text string) error {
	payload, err := json.Marshal(map[string]any{"message": text, "conv_id": s.conv})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.base+"/run", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return serverError(resp)
	}

	br := bufio.NewReader(resp.Body)
	for {
		frame, err := readFrame(br)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if conv := renderFrame(os.Stdout, frame); conv != 0 {
			s.conv = conv
		}
	}
}

func (s *remoteSession) interrupt() {
	if s.conv == 0 {
		return
	}
	payload, err := json.Marshal(map[string]int64{"conv_id": s.conv})
	if err != nil {
		return
	}
	req, err := http.NewRequest(http.MethodPost, s.base+"/interrupt", bytes.NewReader(payload))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	if resp, err := s.client.Do(req); err == nil {
		resp.Body.Close()
	}
}

func serverError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		return errors.New(e.Error)
	}
	return fmt.Errorf("server returned %s", resp.Status)
}

// readFrame reads one SSE frame from the response stream.
func readFrame(br *bufio.Reader) (events.Frame, error) {
	var f events.Frame
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return f, err
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if f.Event != "" {
				return f, nil
			}
		case strings.HasPrefix(line, "event: "):
			f.Event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			f.Data = []byte(strings.TrimPrefix(line, "data: "))
		}
	}
}

// localSession runs the full stack in-process, without a listener.
type localSession struct {
	rt   *runtime.Runtime
	conv int64
}

func (s *localSession) send(ctx context.Context, text string) error {
	subscribed := make(chan *events.Subscription, 1)
	outcome := make(chan error, 1)

	go func() {
		_, err := s.rt.Supervisor().Run(ctx, orchestrator.RunRequest{
			ConversationID: s.conv,
			UserID:         "default",
			Text:           text,
			Started: func(id int64, _ bool) {
				subscribed <- s.rt.Bus().SubscribeConversation(id)
			},
		})
		outcome <- err
	}()

	select {
	case sub := <-subscribed:
		s.relay(sub)
		return nil
	case err := <-outcome:
		// The run may have started and failed in the same instant; its
		// error frame is already on the stream then.
		select {
		case sub := <-subscribed:
			s.relay(sub)
			return nil
		default:
		}
		return err
	}
}

func (s *localSession) relay(sub *events.Subscription) {
	defer sub.Cancel()
	for frame := range sub.Frames {
		if conv := renderFrame(os.Stdout, frame); conv != 0 {
			s.conv = conv
		}
	}
}

func (s *localSession) interrupt() {
	if s.conv != 0 {
		s.rt.Supervisor().Interrupt(s.conv)
	}
}

// renderFrame prints one stream frame and reports the conversation id
// carried by start frames, zero otherwise.
func renderFrame(out io.Writer, f events.Frame) int64 {
	switch f.Event {
	case events.EventStart:
		var p struct {
			ConversationID int64 `json:"conversation_id"`
			Created        bool  `json:"created"`
		}
		if json.Unmarshal(f.Data, &p) != nil {
			return 0
		}
		if p.Created {
			fmt.Fprintf(out, "%sconversation %d%s\n", dimColor, p.ConversationID, resetColor)
		}
		return p.ConversationID
	case events.EventAgentProcessing:
		var p struct {
			Mode     string `json:"mode"`
			Autonomy string `json:"autonomy"`
		}
		if json.Unmarshal(f.Data, &p) == nil && p.Mode != "" {
			fmt.Fprintf(out, "%s[%s mode, autonomy %s]%s\n", dimColor, p.Mode, p.Autonomy, resetColor)
		}
	case events.EventAssistantDelta:
		var p struct {
			Text string `json:"text"`
		}
		if json.Unmarshal(f.Data, &p) == nil {
			fmt.Fprint(out, p.Text)
		}
	case events.EventToolCall:
		var p struct {
			Name string `json:"name"`
		}
		if json.Unmarshal(f.Data, &p) == nil {
			fmt.Fprintf(out, "\n%s[tool %s]%s\n", dimColor, p.Name, resetColor)
		}
	case events.EventAgentToolCall:
		var p struct {
			Agent string `json:"agent"`
			Tool  string `json:"tool"`
		}
		if json.Unmarshal(f.Data, &p) == nil {
			fmt.Fprintf(out, "%s[%s agent: %s]%s\n", dimColor, p.Agent, p.Tool, resetColor)
		}
	case events.EventTaskSummary:
		var p struct {
			Completed int `json:"completed"`
			Total     int `json:"total"`
		}
		if json.Unmarshal(f.Data, &p) == nil && p.Total > 0 {
			fmt.Fprintf(out, "%s[tasks %d/%d done]%s\n", dimColor, p.Completed, p.Total, resetColor)
		}
	case events.EventInterrupted:
		fmt.Fprintf(out, "\n%s[interrupted]%s\n", dimColor, resetColor)
	case events.EventError:
		var p struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(f.Data, &p) == nil {
			fmt.Fprintf(out, "\n%serror: %s%s\n", dimColor, p.Error, resetColor)
		}
	case events.EventDone:
		var p struct {
			Turns  int `json:"turns"`
			Tokens int `json:"tokens"`
		}
		if json.Unmarshal(f.Data, &p) == nil {
			fmt.Fprintf(out, "\n%s(%d turns, %d tokens)%s\n", dimColor, p.Turns, p.Tokens, resetColor)
		}
	}
	return 0
}
