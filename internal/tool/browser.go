package tool

import (
	"context"
	"encoding/json"
	"fmt"

	"clawnix/internal/browser"
	"clawnix/internal/plugin"
)

// Browser is the subset of *browser.Bridge the plugin drives.
type Browser interface {
	Open(ctx context.Context, url string) (browser.Page, error)
	Snapshot(ctx context.Context) (browser.Page, error)
	Click(ctx context.Context, selector string) error
	Type(ctx context.Context, selector, text string) error
	Close()
}

// BrowserPlugin exposes a persistent headless tab to the model.
type BrowserPlugin struct {
	browser Browser
}

func NewBrowserPlugin(b Browser) *BrowserPlugin {
	return &BrowserPlugin{browser: b}
}

func (p *BrowserPlugin) Name() string    { return "browser" }
func (p *BrowserPlugin) Version() string { return "0.1.0" }

func (p *BrowserPlugin) Init(_ context.Context, pc *plugin.Context) error {
	if p.browser == nil {
		p.browser = browser.NewBridge(browser.BridgeConfig{
			Headless:       pc.Config["headless"] != false,
			ExecutablePath: pc.ConfigString("executablePath", ""),
			ProfileDir:     pc.ConfigString("profileDir", ""),
			Logger:         pc.Logger,
		})
	}

	tools := []*Func{
		{
			ToolName: "clawnix_browser_open",
			Desc:     "Navigate to a URL and return the page title and its visible text.",
			Schema: ToolParameters(map[string]Param{
				"url": {Type: "string", Description: "URL to navigate to"},
			}, []string{"url"}),
			Run: func(ctx context.Context, args map[string]any) (string, error) {
				url := ArgsString(args, "url")
				if url == "" {
					return "", fmt.Errorf("missing argument: url")
				}
				return pageJSON(p.browser.Open(ctx, url))
			},
		},
		{
			ToolName: "clawnix_browser_snapshot",
			Desc:     "Re-read the current page, e.g. after clicking a link or filling a form.",
			Run: func(ctx context.Context, _ map[string]any) (string, error) {
				return pageJSON(p.browser.Snapshot(ctx))
			},
		},
		{
			ToolName: "clawnix_browser_click",
			Desc:     "Click the element matching a CSS selector on the current page.",
			Schema: ToolParameters(map[string]Param{
				"selector": {Type: "string", Description: "CSS selector of the element to click"},
			}, []string{"selector"}),
			Run: func(ctx context.Context, args map[string]any) (string, error) {
				sel := ArgsString(args, "selector")
				if err := p.browser.Click(ctx, sel); err != nil {
					return "", err
				}
				return "Clicked " + sel, nil
			},
		},
		{
			ToolName: "clawnix_browser_type",
			Desc:     "Type text into the element matching a CSS selector on the current page.",
			Schema: ToolParameters(map[string]Param{
				"selector": {Type: "string", Description: "CSS selector of the input"},
				"text":     {Type: "string", Description: "Text to type"},
			}, []string{"selector", "text"}),
			Run: func(ctx context.Context, args map[string]any) (string, error) {
				sel := ArgsString(args, "selector")
				if err := p.browser.Type(ctx, sel, ArgsString(args, "text")); err != nil {
					return "", err
				}
				return "Typed into " + sel, nil
			},
		},
	}
	for _, t := range tools {
		if err := pc.RegisterTool(t); err != nil {
			return err
		}
	}
	pc.Logger.Info("browser plugin registered")
	return nil
}

func pageJSON(page browser.Page, err error) (string, error) {
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(page)
	if err != nil {
		return "", fmt.Errorf("encode page: %w", err)
	}
	return string(data), nil
}

func (p *BrowserPlugin) Shutdown(context.Context) error {
	if p.browser != nil {
		p.browser.Close()
	}
	return nil
}
