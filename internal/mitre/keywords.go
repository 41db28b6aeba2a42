package mitre

import (
	"sort"
	"strings"
	"unicode"
)

// stopWords are dropped when deriving matching keywords from technique text.
var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "is": true, "are": true, "was": true,
	"were": true, "be": true, "been": true, "being": true, "have": true,
	"has": true, "had": true, "do": true, "does": true, "did": true,
	"will": true, "would": true, "could": true, "should": true, "may": true,
	"might": true, "must": true, "can": true, "to": true, "of": true,
	"in": true, "for": true, "on": true, "with": true, "at": true,
	"by": true, "from": true, "as": true, "into": true, "through": true,
	"during": true, "before": true, "after": true, "and": true, "but": true,
	"or": true, "nor": true, "not": true, "this": true, "that": true,
	"these": true, "those": true, "it": true, "its": true, "they": true,
	"their": true, "them": true, "which": true, "who": true, "whom": true,
	"such": true, "other": true, "some": true, "any": true, "all": true,
	"also": true, "via": true, "using": true, "used": true, "use": true,
	"when": true, "where": true, "how": true, "what": true, "than": true,
	"then": true, "more": true, "most": true, "each": true, "both": true,
}

// secVocabulary is the fixed cybersecurity vocabulary always kept as keywords
// when present in technique text.
var secVocabulary = map[string]bool{
	"phishing": true, "spearphishing": true, "malware": true, "ransomware": true,
	"backdoor": true, "trojan": true, "rootkit": true, "keylogger": true,
	"botnet": true, "exfiltration": true, "lateral": true, "privilege": true,
	"escalation": true, "persistence": true, "reconnaissance": true,
	"credential": true, "credentials": true, "payload": true, "exploit": true,
	"vulnerability": true, "injection": true, "obfuscation": true,
	"encryption": true, "beacon": true, "implant": true, "dropper": true,
	"loader": true, "stager": true, "shellcode": true, "powershell": true,
	"registry": true, "mimikatz": true, "kerberos": true, "ntlm": true,
	"spoofing": true, "hijacking": true, "tampering": true, "bruteforce": true,
	"dll": true, "api": true, "c2": true, "vpn": true, "rdp": true,
	"ssh": true, "smb": true, "dns": true, "http": true, "https": true,
}

// fileSuffixes flag tokens that look like artifact names worth matching on.
var fileSuffixes = []string{
	".exe", ".dll", ".sys", ".ps1", ".bat", ".cmd", ".vbs", ".js",
	".sh", ".py", ".jar", ".docm", ".xlsm", ".lnk", ".scr", ".hta",
}

// DeriveKeywords builds the matching keyword set for a technique from its name
// and description: tokenized lowercase words minus stop-words and short
// tokens, union heuristically detected technical terms (mixed-case tokens,
// digit-bearing tokens, file-suffixed tokens, and the fixed security
// vocabulary). The result is deduplicated and sorted for determinism.
func DeriveKeywords(name, description string) []string {
	seen := make(map[string]bool)

	for _, raw := range tokenize(name + " " + description) {
		lower := strings.ToLower(raw)
		if len(lower) <= 2 {
			continue
		}

		switch {
		case secVocabulary[lower]:
			seen[lower] = true
		case isMixedCase(raw), containsDigit(raw), hasFileSuffix(lower):
			seen[lower] = true
		case stopWords[lower]:
			// dropped
		default:
			seen[lower] = true
		}
	}

	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// tokenize splits text on everything except letters, digits, dots and
// hyphens, then trims leading/trailing punctuation so "cmd.exe," tokenizes to
// "cmd.exe".
func tokenize(text string) []string {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '.' && r != '-'
	})
	out := fields[:0]
	for _, f := range fields {
		f = strings.Trim(f, ".-")
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

// isMixedCase reports whether a token carries internal capitalization
// (e.g. "PowerShell", "LSASS") rather than plain sentence case.
func isMixedCase(s string) bool {
	var upper, lower int
	for i, r := range s {
		switch {
		case unicode.IsUpper(r):
			if i > 0 {
				upper++
			}
		case unicode.IsLower(r):
			lower++
		}
	}
	return upper > 0 && lower > 0
}

func containsDigit(s string) bool {
	for _, r := range s {
		if unicode.IsDigit(r) {
			return true
		}
	}
	return false
}

func hasFileSuffix(s string) bool {
	for _, suffix := range fileSuffixes {
		if strings.HasSuffix(s, suffix) && len(s) > len(suffix) {
			return true
		}
	}
	return false
}
