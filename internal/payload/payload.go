package payload

// Placeholder tokens recognised in request templates.
const (
	TokenQuestion = "QUESTION"
	TokenTraceID  = "TRACEID"
	TokenSession  = "SESSIONID"
	TokenSpeaker  = "SPEAKER"
	TokenSpeed    = "SPEED"
	TokenVolume   = "VOLUME"
	TokenPitch    = "PITCH"
)

// Clone deep-copies a request template so one exchange can mutate its payload
// without touching the template or any other exchange.
func Clone(template map[string]any) map[string]any {
	if template == nil {
		return map[string]any{}
	}
	return cloneValue(template).(map[string]any)
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = cloneValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = cloneValue(val)
		}
		return out
	case []byte:
		out := make([]byte, len(t))
		copy(out, t)
		return out
	default:
		return v
	}
}

// Replace swaps every string value equal to token for value, at any depth.
// Strings that merely contain the token are left alone.
func Replace(data any, token, value string) {
	switch t := data.(type) {
	case map[string]any:
		for k, v := range t {
			if s, ok := v.(string); ok {
				if s == token {
					t[k] = value
				}
				continue
			}
			Replace(v, token, value)
		}
	case []any:
		for i, v := range t {
			if s, ok := v.(string); ok {
				if s == token {
					t[i] = value
				}
				continue
			}
			Replace(v, token, value)
		}
	}
}

// Substitution is the set of values one exchange writes into its payload.
type Substitution struct {
	Question string
	TraceID  string
	Session  string
}

// Apply writes the standard tokens. An empty Session leaves SESSIONID untouched.
func (s Substitution) Apply(p map[string]any) {
	Replace(p, TokenQuestion, s.Question)
	Replace(p, TokenTraceID, s.TraceID)
	if s.Session != "" {
		Replace(p, TokenSession, s.Session)
	}
}
