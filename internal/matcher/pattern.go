package matcher

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dlclark/regexp2"

	"request-firewall/internal/domain"
)

// metaPatternTimeout limita a checagem de meta-padrões contra o texto do padrão
const metaPatternTimeout = 50 * time.Millisecond

// PatternPolicy reúne os limites de auto-proteção aplicados aos padrões
type PatternPolicy struct {
	MaxPatternLength int
	Protection       bool
	Dangerous        []string
	Timeout          time.Duration
}

// PolicyFromSettings extrai a política de padrões dos settings
func PolicyFromSettings(s domain.SecurityThresholds) PatternPolicy {
	return PatternPolicy{
		MaxPatternLength: s.MaxPatternLength,
		Protection:       s.EnableReDoSProtection,
		Dangerous:        s.DangerousPatterns,
		Timeout:          time.Duration(s.PatternTimeoutMs) * time.Millisecond,
	}
}

func (p PatternPolicy) key() string {
	var b strings.Builder
	b.WriteString(strconv.Itoa(p.MaxPatternLength))
	b.WriteByte('|')
	b.WriteString(strconv.FormatBool(p.Protection))
	b.WriteByte('|')
	b.WriteString(p.Timeout.String())
	for _, d := range p.Dangerous {
		b.WriteByte('\x00')
		b.WriteString(d)
	}
	return b.String()
}

type compiled struct {
	re  *regexp2.Regexp
	err error
}

// PatternCompiler compila e memoriza padrões já validados pela política vigente.
// Quando a política muda, o cache é descartado.
type PatternCompiler struct {
	mu        sync.Mutex
	policyKey string
	patterns  map[string]compiled
	meta      map[string]*regexp2.Regexp
}

// NewPatternCompiler cria um compilador vazio
func NewPatternCompiler() *PatternCompiler {
	return &PatternCompiler{
		patterns: make(map[string]compiled),
		meta:     make(map[string]*regexp2.Regexp),
	}
}

// Compile devolve o padrão pronto para execução ou ErrInvalidPattern
func (c *PatternCompiler) Compile(pattern string, policy PatternPolicy) (*regexp2.Regexp, error) {
	key := policy.key()

	c.mu.Lock()
	defer c.mu.Unlock()

	if key != c.policyKey {
		c.policyKey = key
		c.patterns = make(map[string]compiled)
	}

	if entry, ok := c.patterns[pattern]; ok {
		return entry.re, entry.err
	}

	re, err := c.build(pattern, policy)
	c.patterns[pattern] = compiled{re: re, err: err}
	return re, err
}

func (c *PatternCompiler) build(pattern string, policy PatternPolicy) (*regexp2.Regexp, error) {
	if pattern == "" {
		return nil, fmt.Errorf("%w: empty pattern", domain.ErrInvalidPattern)
	}
	if policy.MaxPatternLength > 0 && len(pattern) > policy.MaxPatternLength {
		return nil, fmt.Errorf("%w: pattern length %d exceeds %d", domain.ErrInvalidPattern, len(pattern), policy.MaxPatternLength)
	}

	if policy.Protection {
		for _, dangerous := range policy.Dangerous {
			meta := c.metaPattern(dangerous)
			if meta == nil {
				continue
			}
			matched, err := meta.MatchString(pattern)
			if err != nil || matched {
				// na dúvida (timeout) o padrão é rejeitado
				return nil, fmt.Errorf("%w: pattern matches dangerous construct %q", domain.ErrInvalidPattern, dangerous)
			}
		}
	}

	re, err := regexp2.Compile(pattern, regexp2.IgnoreCase)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidPattern, err)
	}
	if policy.Timeout > 0 {
		re.MatchTimeout = policy.Timeout
	}
	return re, nil
}

// metaPattern compila um meta-padrão perigoso; inválidos são ignorados
func (c *PatternCompiler) metaPattern(expr string) *regexp2.Regexp {
	if re, ok := c.meta[expr]; ok {
		return re
	}
	re, err := regexp2.Compile(expr, regexp2.None)
	if err != nil {
		c.meta[expr] = nil
		return nil
	}
	re.MatchTimeout = metaPatternTimeout
	c.meta[expr] = re
	return re
}

// Match executa o padrão; timeout ou erro contam como não-match
func Match(re *regexp2.Regexp, input string) bool {
	matched, err := re.MatchString(input)
	if err != nil {
		return false
	}
	return matched
}
