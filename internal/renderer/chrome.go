package renderer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
)

// ErrChromeMissing is returned when no Chromium binary can be found.
var ErrChromeMissing = errors.New("renderer: chromium not installed")

// ChromeRenderer runs the Mermaid library inside a long-lived headless
// Chrome tab. The browser is started lazily on first use; concurrent first
// calls share a single initialization. Evaluations are serialized on the one
// tab.
type ChromeRenderer struct {
	scriptURL string
	timeout   time.Duration

	initOnce sync.Once
	initErr  error

	mu      sync.Mutex
	tabCtx  context.Context
	cancels []context.CancelFunc
}

type evalReply struct {
	OK    bool   `json:"ok"`
	SVG   string `json:"svg"`
	Error string `json:"error"`
}

func NewChromeRenderer(scriptURL string, timeout time.Duration) *ChromeRenderer {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &ChromeRenderer{scriptURL: scriptURL, timeout: timeout}
}

func (r *ChromeRenderer) Parse(ctx context.Context, text string) error {
	reply, err := r.evaluate(ctx, "__mermaidParse", "", text)
	if err != nil {
		return err
	}
	if !reply.OK {
		return &SyntaxError{Message: reply.Error}
	}
	return nil
}

func (r *ChromeRenderer) Render(ctx context.Context, uniqueID, text string) (string, error) {
	reply, err := r.evaluate(ctx, "__mermaidRender", uniqueID, text)
	if err != nil {
		return "", err
	}
	if !reply.OK {
		return "", &SyntaxError{Message: reply.Error}
	}
	return reply.SVG, nil
}

func (r *ChromeRenderer) evaluate(ctx context.Context, fn, uniqueID, text string) (evalReply, error) {
	if err := r.init(); err != nil {
		return evalReply{}, err
	}
	if err := ctx.Err(); err != nil {
		return evalReply{}, err
	}

	encoded, err := json.Marshal(text)
	if err != nil {
		return evalReply{}, fmt.Errorf("encode diagram text: %w", err)
	}

	var expr string
	if uniqueID == "" {
		expr = fmt.Sprintf("window.%s(%s)", fn, encoded)
	} else {
		encodedID, _ := json.Marshal(uniqueID)
		expr = fmt.Sprintf("window.%s(%s, %s)", fn, encodedID, encoded)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	evalCtx, cancel := context.WithTimeout(r.tabCtx, r.timeout)
	defer cancel()

	var reply evalReply
	err = chromedp.Run(evalCtx, chromedp.Evaluate(expr, &reply, awaitPromise))
	if err != nil {
		return evalReply{}, fmt.Errorf("evaluate %s: %w", fn, err)
	}
	return reply, nil
}

func awaitPromise(p *runtime.EvaluateParams) *runtime.EvaluateParams {
	return p.WithAwaitPromise(true)
}

func (r *ChromeRenderer) init() error {
	r.initOnce.Do(func() {
		r.initErr = r.start()
	})
	return r.initErr
}

func (r *ChromeRenderer) start() error {
	if !chromeAvailable() {
		return ErrChromeMissing
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-setuid-sandbox", true),
		chromedp.Flag("disable-web-security", true),
	)

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), opts...)
	tabCtx, cancelTab := chromedp.NewContext(allocCtx)
	r.cancels = []context.CancelFunc{cancelTab, cancelAlloc}
	r.tabCtx = tabCtx

	dataURL := "data:text/html;charset=utf-8," + percentEncodeForDataURL(r.pageHTML())

	startCtx, cancel := context.WithTimeout(tabCtx, 30*time.Second)
	defer cancel()

	var ready bool
	err := chromedp.Run(startCtx,
		chromedp.Navigate(dataURL),
		chromedp.WaitReady("body"),
		chromedp.Poll("window.__mermaidReady === true", &ready),
	)
	if err != nil {
		r.shutdown()
		return fmt.Errorf("start mermaid page: %w", err)
	}
	return nil
}

func (r *ChromeRenderer) pageHTML() string {
	return fmt.Sprintf(`<!DOCTYPE html>
<html>
<head>
<script src="%s"></script>
<script>
mermaid.initialize({ startOnLoad: false, theme: "default", securityLevel: "loose" });
window.__mermaidParse = async (code) => {
	try {
		await mermaid.parse(code);
		return { ok: true };
	} catch (err) {
		return { ok: false, error: err instanceof Error ? err.message : String(err) };
	}
};
window.__mermaidRender = async (id, code) => {
	try {
		const { svg } = await mermaid.render(id, code);
		return { ok: true, svg };
	} catch (err) {
		return { ok: false, error: err instanceof Error ? err.message : String(err) };
	}
};
window.__mermaidReady = true;
</script>
</head>
<body></body>
</html>`, r.scriptURL)
}

func (r *ChromeRenderer) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shutdown()
}

func (r *ChromeRenderer) shutdown() {
	for _, cancel := range r.cancels {
		cancel()
	}
	r.cancels = nil
}

func chromeAvailable() bool {
	for _, name := range []string{"chromium-browser", "chromium", "google-chrome", "chrome"} {
		if _, err := exec.LookPath(name); err == nil {
			return true
		}
	}
	return false
}

// percentEncodeForDataURL encodes a string for use in a data URL. Unlike
// url.QueryEscape, spaces become %20 rather than +.
func percentEncodeForDataURL(s string) string {
	var result strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z',
			r >= 'A' && r <= 'Z',
			r >= '0' && r <= '9',
			r == '-', r == '_', r == '.', r == '~':
			result.WriteRune(r)
		case r == ' ':
			result.WriteString("%20")
		default:
			for _, b := range []byte(string(r)) {
				result.WriteString(fmt.Sprintf("%%%02X", b))
			}
		}
	}
	return result.String()
}
