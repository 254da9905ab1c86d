package chunk

import "strings"

// callNodeTypes maps a language to the tree-sitter node type that
// represents a function/method call expression.
var callNodeTypes = map[string]string{
	"go":         "call_expression",
	"typescript": "call_expression",
	"tsx":        "call_expression",
	"javascript": "call_expression",
	"jsx":        "call_expression",
	"python":     "call",
}

// extractCalls walks n's subtree and returns the sorted, deduplicated
// names of symbols invoked within it. Calls through a selector
// (`pkg.Fn`, `obj.method()`) are reported by their final segment.
func extractCalls(n *Node, source []byte, language string) []string {
	callType, ok := callNodeTypes[language]
	if !ok {
		return nil
	}

	seen := make(map[string]bool)
	var calls []string
	for _, call := range n.FindAllByType(callType) {
		name := calleeName(call, source)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		calls = append(calls, name)
	}
	sortStrings(calls)
	return calls
}

// calleeName extracts the invoked name from a call node, taking the
// node's first child (the callee expression) and reducing a selector
// or member expression to its rightmost identifier.
func calleeName(call *Node, source []byte) string {
	if len(call.Children) == 0 {
		return ""
	}
	content := strings.TrimSpace(call.Children[0].GetContent(source))
	if idx := strings.LastIndexByte(content, '.'); idx != -1 {
		content = content[idx+1:]
	}
	return content
}

// sortStrings is a tiny insertion sort to avoid pulling in "sort" for
// the small slices produced here.
func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// parseParameters extracts parameter names from a function/method
// signature's first top-level parenthesized group, best-effort: it
// strips type annotations and pointer/reference markers, keeping the
// identifier token.
func parseParameters(signature string) []string {
	start := strings.IndexByte(signature, '(')
	if start == -1 {
		return nil
	}

	depth := 0
	end := -1
	for i := start; i < len(signature); i++ {
		switch signature[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				end = i
			}
		}
		if end != -1 {
			break
		}
	}
	if end == -1 {
		return nil
	}

	inner := strings.TrimSpace(signature[start+1 : end])
	if inner == "" {
		return nil
	}

	var params []string
	for _, part := range splitTopLevel(inner, ',') {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if idx := strings.IndexByte(part, ':'); idx != -1 {
			part = part[:idx]
		}
		fields := strings.Fields(part)
		if len(fields) == 0 {
			continue
		}
		name := strings.TrimLeft(fields[0], "*&")
		name = strings.TrimSpace(name)
		if name != "" && name != "..." {
			params = append(params, name)
		}
	}
	return params
}

// parseReturn extracts the return type from a signature, best-effort
// per language.
func parseReturn(signature, language string) string {
	switch language {
	case "go":
		return parseReturnAfterParens(signature)
	case "python":
		idx := strings.Index(signature, "->")
		if idx == -1 {
			return ""
		}
		ret := strings.TrimSpace(signature[idx+2:])
		return strings.TrimSuffix(ret, ":")
	case "typescript", "tsx":
		idx := strings.LastIndex(signature, "):")
		if idx == -1 {
			return ""
		}
		return strings.TrimSpace(signature[idx+2:])
	default:
		return ""
	}
}

// parseReturnAfterParens returns the text following the last top-level
// closing parenthesis, which for Go skips past both a receiver group
// and the parameter group to a single unparenthesized return type. A
// parenthesized result list is itself the last group, so for it the
// result is empty.
func parseReturnAfterParens(signature string) string {
	depth := 0
	lastClose := -1
	for i, ch := range signature {
		switch ch {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				lastClose = i
			}
		}
	}
	if lastClose == -1 || lastClose+1 >= len(signature) {
		return ""
	}
	return strings.TrimSpace(signature[lastClose+1:])
}

// splitTopLevel splits s on sep, ignoring occurrences nested inside
// brackets/braces/parens.
func splitTopLevel(s string, sep byte) []string {
	var parts []string
	depth := 0
	last := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
		}
		if s[i] == sep && depth == 0 {
			parts = append(parts, s[last:i])
			last = i + 1
		}
	}
	parts = append(parts, s[last:])
	return parts
}
