package models

// ActionKind tags the delivery mode chosen for a request.
type ActionKind string

const (
	ActionHosted        ActionKind = "hosted"
	ActionProxy         ActionKind = "proxy"
	ActionRedirect      ActionKind = "redirect"
	ActionModifications ActionKind = "modifications"
)

// Action is the tagged variant the executor switches on. Exactly one arm is
// populated per Kind: Folder for hosted, URL for proxy/redirect,
// Modifications for DOM edits.
type Action struct {
	Kind          ActionKind
	Folder        string
	URL           string
	Modifications []Modification
}

// Mode returns the landing page mode recorded on events for this action.
func (a Action) Mode() string {
	switch a.Kind {
	case ActionHosted:
		return ModeHosted
	case ActionRedirect:
		return ModeRedirect
	default:
		// Modifications serve a proxied origin page.
		return ModeProxy
	}
}

// LandingPage returns the value recorded as the event's landing page.
func (a Action) LandingPage() string {
	if a.Kind == ActionHosted {
		return a.Folder
	}
	return a.URL
}

// ActionFromRule derives the primary action of a matched rule. Destinations
// lists are collapsed before this point, so exactly one arm applies.
func ActionFromRule(r *Rule) (Action, bool) {
	switch {
	case r.Folder != "":
		return Action{Kind: ActionHosted, Folder: r.Folder}, true
	case r.ProxyURL != "":
		return Action{Kind: ActionProxy, URL: r.ProxyURL}, true
	case r.RedirectURL != "":
		return Action{Kind: ActionRedirect, URL: r.RedirectURL}, true
	case len(r.Modifications) > 0:
		return Action{Kind: ActionModifications, Modifications: r.Modifications}, true
	}
	return Action{}, false
}

// ActionFromDest derives the action for one entry of a destinations list.
func ActionFromDest(d WeightedDest) (Action, bool) {
	switch {
	case d.Folder != "":
		return Action{Kind: ActionHosted, Folder: d.Folder}, true
	case d.ProxyURL != "":
		return Action{Kind: ActionProxy, URL: d.ProxyURL}, true
	case d.RedirectURL != "":
		return Action{Kind: ActionRedirect, URL: d.RedirectURL}, true
	}
	return Action{}, false
}

// ActionForMode maps a bundle default (folder + mode) onto an action.
// An empty or unknown mode falls back to hosted.
func ActionForMode(folder, mode string) Action {
	switch mode {
	case ModeProxy:
		return Action{Kind: ActionProxy, URL: folder}
	case ModeRedirect:
		return Action{Kind: ActionRedirect, URL: folder}
	default:
		return Action{Kind: ActionHosted, Folder: folder}
	}
}
