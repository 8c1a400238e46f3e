package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tradefleet/internal/chrome"
	"tradefleet/internal/config"
	"tradefleet/internal/supervisor"
)

// Bootstrapper implements supervisor.PhaseDriver: the concrete checks and
// actions that take a launched browser to a READY session. One
// bootstrapper serves all accounts; per-instance state (client, tab) is
// kept per account id.
type Bootstrapper struct {
	sup       *supervisor.Supervisor
	evaluator *chrome.Evaluator
	bundle    *ScriptBundle
	registry  *Registry
	chromeCfg config.ChromeConfig
	accounts  map[string]config.Account

	mu      sync.Mutex
	clients map[string]*chrome.Client
	tabs    map[string]*chrome.Tab

	log zerolog.Logger
}

// NewBootstrapper wires the phase driver.
func NewBootstrapper(sup *supervisor.Supervisor, evaluator *chrome.Evaluator, bundle *ScriptBundle, registry *Registry, chromeCfg config.ChromeConfig, accounts []config.Account, log zerolog.Logger) *Bootstrapper {
	byID := make(map[string]config.Account, len(accounts))
	for _, a := range accounts {
		byID[a.ID()] = a
	}
	return &Bootstrapper{
		sup:       sup,
		evaluator: evaluator,
		bundle:    bundle,
		registry:  registry,
		chromeCfg: chromeCfg,
		accounts:  byID,
		clients:   make(map[string]*chrome.Client),
		tabs:      make(map[string]*chrome.Tab),
		log:       log,
	}
}

func (b *Bootstrapper) client(inst *supervisor.Instance) *chrome.Client {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.clients[inst.AccountID]
	if !ok || c.Port() != inst.Port {
		c = chrome.NewClient(inst.Port)
		b.clients[inst.AccountID] = c
	}
	return c
}

func (b *Bootstrapper) tab(accountID string) *chrome.Tab {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tabs[accountID]
}

func (b *Bootstrapper) setTab(accountID string, t *chrome.Tab) {
	b.mu.Lock()
	old := b.tabs[accountID]
	b.tabs[accountID] = t
	b.mu.Unlock()
	if old != nil && old != t {
		old.Close()
	}
}

// poll runs check every interval until it reports done, returns a fatal
// error, or the context expires.
func poll(ctx context.Context, interval time.Duration, check func() (bool, error)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		done, err := check()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Detect waits until the spawned process is alive and its debugging port
// accepts connections.
func (b *Bootstrapper) Detect(ctx context.Context, inst *supervisor.Instance) error {
	addr := fmt.Sprintf("127.0.0.1:%d", inst.Port)
	return poll(ctx, 500*time.Millisecond, func() (bool, error) {
		if !b.sup.ProcessAlive(inst.AccountID) {
			return false, fmt.Errorf("browser process for %s died during launch", inst.AccountID)
		}
		conn, err := net.DialTimeout("tcp", addr, time.Second)
		if err != nil {
			return false, nil
		}
		conn.Close()
		return true, nil
	})
}

// Connect waits for the DevTools endpoint, attaches a tab and runs a
// trivial script through the safe evaluator.
func (b *Bootstrapper) Connect(ctx context.Context, inst *supervisor.Instance) error {
	client := b.client(inst)

	if err := poll(ctx, time.Second, func() (bool, error) {
		_, err := client.Version(ctx)
		return err == nil, nil
	}); err != nil {
		return err
	}

	target, err := client.PageTarget(ctx, "")
	if err != nil {
		return err
	}
	tab, err := client.Attach(ctx, target)
	if err != nil {
		return err
	}
	b.setTab(inst.AccountID, tab)

	_, err = b.evaluator.SafeEvaluate(ctx, tab, "1+1", "startup: trivial eval", chrome.NonCritical, "number")
	return err
}

// LoadPage drives the tab to the trading host if it is elsewhere and
// waits for the page to finish loading.
func (b *Bootstrapper) LoadPage(ctx context.Context, inst *supervisor.Instance) error {
	tab := b.tab(inst.AccountID)
	if tab == nil {
		return fmt.Errorf("no attached tab for %s", inst.AccountID)
	}

	navigated := false
	return poll(ctx, time.Second, func() (bool, error) {
		raw, err := b.evaluator.SafeEvaluate(ctx, tab,
			"JSON.parse(JSON.stringify({host: window.location.hostname, state: document.readyState}))",
			"startup: page state", chrome.NonCritical, "object")
		if err != nil {
			return false, nil
		}
		var page struct {
			Host  string `json:"host"`
			State string `json:"state"`
		}
		if json.Unmarshal(raw, &page) != nil {
			return false, nil
		}
		if page.Host != b.chromeCfg.TradingHost {
			if !navigated {
				navigated = true
				url := "https://" + b.chromeCfg.TradingHost + "/"
				b.evaluator.SafeEvaluate(ctx, tab,
					fmt.Sprintf("window.location.assign(%q), true", url),
					"startup: navigate to trading host", chrome.NonCritical, "boolean")
			}
			return false, nil
		}
		return page.State == "complete", nil
	})
}

// loginProbeJS reports whether a login form is visible and whether the
// authenticated trading shell has rendered.
const loginProbeJS = `JSON.parse(JSON.stringify({
  loginForm: !!document.querySelector('form input[type="password"]'),
  shell: !!document.querySelector('.trading-shell, .desktop-trading, [data-app-ready]')
}))`

// Authenticate fills the login form with the account's credentials and
// waits until the form is gone or a success indicator appears.
func (b *Bootstrapper) Authenticate(ctx context.Context, inst *supervisor.Instance) error {
	tab := b.tab(inst.AccountID)
	if tab == nil {
		return fmt.Errorf("no attached tab for %s", inst.AccountID)
	}
	account, ok := b.accounts[inst.AccountID]
	if !ok {
		return fmt.Errorf("no credentials configured for %s", inst.AccountID)
	}

	submitted := false
	return poll(ctx, 2*time.Second, func() (bool, error) {
		raw, err := b.evaluator.SafeEvaluate(ctx, tab, loginProbeJS,
			"startup: login probe", chrome.NonCritical, "object")
		if err != nil {
			return false, nil
		}
		var probe struct {
			LoginForm bool `json:"loginForm"`
			Shell     bool `json:"shell"`
		}
		if json.Unmarshal(raw, &probe) != nil {
			return false, nil
		}

		if !probe.LoginForm || probe.Shell {
			return true, nil
		}
		if !submitted {
			submitted = true
			if err := b.submitCredentials(ctx, tab, account); err != nil {
				b.log.Warn().Err(err).Str("account", inst.AccountID).Msg("Credential submission failed, will retry probe")
				submitted = false
			}
		}
		return false, nil
	})
}

// submitCredentials types the username and password into the form and
// clicks submit. The credential values never reach the journal: the
// description carries only the account id and the js is fingerprinted.
func (b *Bootstrapper) submitCredentials(ctx context.Context, tab *chrome.Tab, account config.Account) error {
	js := fmt.Sprintf(`(() => {
  const user = document.querySelector('input[name="name"], input[type="email"], input[autocomplete="username"]');
  const pass = document.querySelector('input[type="password"]');
  if (!user || !pass) return false;
  const set = (el, v) => {
    const setter = Object.getOwnPropertyDescriptor(window.HTMLInputElement.prototype, 'value').set;
    setter.call(el, v);
    el.dispatchEvent(new Event('input', {bubbles: true}));
  };
  set(user, %s);
  set(pass, %s);
  const btn = document.querySelector('button[type="submit"]');
  if (btn) btn.click();
  return true;
})()`, mustJSON(account.Username), mustJSON(account.Password))

	raw, err := b.evaluator.SafeEvaluate(ctx, tab, js,
		"startup: submit credentials", chrome.Important, "boolean")
	if err != nil {
		return err
	}
	var ok bool
	if json.Unmarshal(raw, &ok) == nil && !ok {
		return fmt.Errorf("login form fields not found")
	}
	return nil
}

func mustJSON(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}

// alertSuppressionJS keeps native dialogs from wedging the page.
const alertSuppressionJS = `(() => {
  window.alert = () => true;
  window.confirm = () => true;
  window.onbeforeunload = null;
  return true;
})()`

// Finalize injects the page-script bundle, verifies the driver functions
// and installs alert suppression, then publishes the session.
func (b *Bootstrapper) Finalize(ctx context.Context, inst *supervisor.Instance) error {
	tab := b.tab(inst.AccountID)
	if tab == nil {
		return fmt.Errorf("no attached tab for %s", inst.AccountID)
	}
	account := b.accounts[inst.AccountID]

	sess := New(account, tab, b.evaluator, b.bundle)
	if err := sess.InjectScripts(ctx); err != nil {
		return err
	}

	probe := chrome.NewProbe(b.evaluator, b.chromeCfg.TradingHost, b.chromeCfg.LoginPath)
	report := probe.Check(ctx, tab)
	for fn, present := range report.FunctionsPresent {
		if !present {
			return fmt.Errorf("driver function %s missing after injection", fn)
		}
	}

	if _, err := b.evaluator.SafeEvaluate(ctx, tab, alertSuppressionJS,
		"startup: alert suppression", chrome.Important, "boolean"); err != nil {
		return err
	}

	b.registry.Add(sess)
	return nil
}

// Teardown drops an account's session and tab after a phase regression.
func (b *Bootstrapper) Teardown(accountID string) {
	b.registry.Remove(accountID)
	b.mu.Lock()
	tab := b.tabs[accountID]
	delete(b.tabs, accountID)
	b.mu.Unlock()
	if tab != nil {
		tab.Close()
	}
}
