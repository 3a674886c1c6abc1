package trace

import (
	"errors"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abramin/tracelens/internal/trace/tracetest"
)

func parseString(t *testing.T, text string, opts ...Option) *Profile {
	t.Helper()
	p, err := Parse(strings.NewReader(text), opts...)
	require.NoError(t, err)
	checkInvariants(t, p)
	return p
}

// checkInvariants verifies cost conservation and edge symmetry.
func checkInvariants(t *testing.T, p *Profile) {
	t.Helper()
	for _, fn := range p.Functions {
		sum := fn.SelfCost
		for _, e := range fn.SubCalls {
			sum += e.SummedCost

			callee := p.Functions[e.Function]
			var mirror *Edge
			for i := range callee.CalledFrom {
				if callee.CalledFrom[i].Function == fn.Index && callee.CalledFrom[i].Line == e.Line {
					mirror = &callee.CalledFrom[i]
				}
			}
			if assert.NotNil(t, mirror, "missing calledFrom for %s -> %s:%d", fn.Name, callee.Name, e.Line) {
				assert.Equal(t, e.CallCount, mirror.CallCount)
				assert.Equal(t, e.SummedCost, mirror.SummedCost)
			}
		}
		assert.Equal(t, fn.InclusiveCost, sum, "cost conservation for %s", fn.Name)
	}
}

func TestParseSample(t *testing.T) {
	p := parseString(t, tracetest.Sample)

	require.Len(t, p.Functions, 3)
	c, a, main := p.Functions[0], p.Functions[1], p.Functions[2]
	assert.Equal(t, "c", c.Name)
	assert.Equal(t, "a", a.Name)
	assert.Equal(t, EntryPoint, main.Name)

	assert.Equal(t, uint64(1), main.InvocationCount)
	assert.Equal(t, uint64(75), main.SelfCost)
	assert.Equal(t, uint64(200), main.InclusiveCost)
	assert.Equal(t, []Edge{{Function: a.Index, Line: 4, CallCount: 2, SummedCost: 125}}, main.SubCalls)
	assert.Empty(t, main.CalledFrom)
	assert.Equal(t, "/srv/index.php", main.File)

	assert.Equal(t, uint64(2), a.InvocationCount)
	assert.Equal(t, uint64(25), a.SelfCost)
	assert.Equal(t, uint64(125), a.InclusiveCost)
	assert.Equal(t, []Edge{{Function: c.Index, Line: 3, CallCount: 2, SummedCost: 100}}, a.SubCalls)
	assert.Equal(t, []Edge{{Function: main.Index, Line: 4, CallCount: 2, SummedCost: 125}}, a.CalledFrom)

	assert.Equal(t, uint64(2), c.InvocationCount)
	assert.Equal(t, uint64(100), c.SelfCost)
	assert.Equal(t, uint64(5), c.Line)
	assert.Equal(t, "/srv/lib.php", c.File)

	summary, ok := p.Header("summary")
	require.True(t, ok)
	assert.Equal(t, "200", summary)
	cmd, _ := p.Header("cmd")
	assert.Equal(t, "/srv/index.php", cmd)
	assert.Equal(t, []string{
		"version: 1", "creator: xdebug 2.2.1", "cmd: /srv/index.php", "part: 1",
		"positions: line", "events: Time", "summary: 200",
	}, p.Headers)
	assert.Equal(t, 2, p.EdgeCount())
}

func TestParseDefinitionLineLastSeenWins(t *testing.T) {
	text := `fl=/a.php
fn=f
3 1

fl=/a.php
fn=f
9 1
`
	p := parseString(t, text)
	require.Len(t, p.Functions, 1)
	assert.Equal(t, uint64(9), p.Functions[0].Line)
	assert.Equal(t, uint64(2), p.Functions[0].InvocationCount)
}

func TestParseCompressedNames(t *testing.T) {
	text := `version: 1
creator: xdebug 3.1.2 (PHP 8.1.0)
cmd: /srv/index.php
events: Time_(10ns) Memory_(bytes)

fl=(1) /srv/lib.php
fn=(1) helper
3 7 64

fl=(1)
fn=(1)
3 5 32

fl=(2) /srv/index.php
fn=(2) {main}
1 3 128
cfl=(1)
cfn=(1)
calls=1 0 0
2 7 64
cfl=(1)
cfn=(1)
calls=1 0 0
2 5 32

summary: 15 192
`
	p := parseString(t, text)
	require.Len(t, p.Functions, 2)
	helper, main := p.Functions[0], p.Functions[1]

	assert.Equal(t, "helper", helper.Name)
	assert.Equal(t, "/srv/lib.php", helper.File)
	assert.Equal(t, uint64(2), helper.InvocationCount)
	assert.Equal(t, uint64(12), helper.SelfCost)

	assert.Equal(t, EntryPoint, main.Name)
	assert.Equal(t, "/srv/index.php", main.File)
	assert.Equal(t, uint64(15), main.InclusiveCost)
	assert.Equal(t, []Edge{{Function: 0, Line: 2, CallCount: 2, SummedCost: 12}}, main.SubCalls)

	summary, _ := p.Header("summary")
	assert.Equal(t, "15 192", summary)
}

func TestParseUnresolvedCompressedNameIsLenient(t *testing.T) {
	text := `fl=/a.php
fn=(4)
1 10
`
	p := parseString(t, text)
	require.Len(t, p.Functions, 1)
	assert.Equal(t, "(4)", p.Functions[0].Name)
}

func TestParseLazyCallee(t *testing.T) {
	text := `fl=/a.php
fn=caller
1 5
cfl=/b.php
cfn=later
calls=1 0 0
2 7

fl=/b.php
fn=later
8 7
`
	p := parseString(t, text)
	require.Len(t, p.Functions, 2)
	later := p.Functions[1]
	assert.Equal(t, "later", later.Name)
	assert.Equal(t, "/b.php", later.File)
	assert.Equal(t, uint64(1), later.InvocationCount)
	assert.Equal(t, uint64(8), later.Line)
}

func TestParseProxyElision(t *testing.T) {
	text := `fl=/srv/a.php
fn=target
10 30

fl=php:internal
fn=php::call_user_func
0 5
cfn=target
calls=1 0 0
12 30

fl=/srv/index.php
fn={main}
1 20
cfn=php::call_user_func
calls=1 0 0
7 35
`
	p := parseString(t, text, WithProxies([]string{"php::call_user_func"}))
	require.Len(t, p.Functions, 3)
	target, proxyFn, main := p.Functions[0], p.Functions[1], p.Functions[2]

	assert.Equal(t, []Edge{{Function: target.Index, Line: 7, CallCount: 1, SummedCost: 30}}, main.SubCalls)
	assert.Equal(t, []Edge{{Function: main.Index, Line: 7, CallCount: 1, SummedCost: 30}}, target.CalledFrom)
	assert.Equal(t, uint64(50), main.InclusiveCost)

	assert.Empty(t, proxyFn.SubCalls)
	assert.Empty(t, proxyFn.CalledFrom)
	assert.Equal(t, uint64(1), proxyFn.InvocationCount)
	assert.Equal(t, uint64(5), proxyFn.InclusiveCost)
}

func TestParseWithoutProxiesKeepsWrapper(t *testing.T) {
	text := `fl=/srv/a.php
fn=target
10 30

fl=php:internal
fn=php::call_user_func
0 5
cfn=target
calls=1 0 0
12 30

fl=/srv/index.php
fn={main}
1 20
cfn=php::call_user_func
calls=1 0 0
7 35
`
	p := parseString(t, text)
	main := p.Functions[2]
	assert.Equal(t, []Edge{{Function: 1, Line: 7, CallCount: 1, SummedCost: 35}}, main.SubCalls)
}

// main -> P -> a -> P -> b, with P re-entered before its outer forward resolves.
func TestParseRecursiveProxy(t *testing.T) {
	text := `fl=/b.php
fn=b
20 10

fl=php:internal
fn=P
0 1
cfn=b
calls=1 0 0
21 10

fl=/a.php
fn=a
30 5
cfn=P
calls=1 0 0
31 11

fl=php:internal
fn=P
0 1
cfn=a
calls=1 0 0
22 16

fl=/main.php
fn={main}
1 2
cfn=P
calls=1 0 0
2 17
`
	p := parseString(t, text, WithProxies([]string{"P"}))
	b, proxyFn, a, main := p.Functions[0], p.Functions[1], p.Functions[2], p.Functions[3]

	assert.Equal(t, []Edge{{Function: b.Index, Line: 31, CallCount: 1, SummedCost: 10}}, a.SubCalls)
	assert.Equal(t, []Edge{{Function: a.Index, Line: 2, CallCount: 1, SummedCost: 16}}, main.SubCalls)
	assert.Empty(t, proxyFn.CalledFrom)
	assert.Equal(t, uint64(2), proxyFn.InvocationCount)
}

// A proxy that forwards into another proxy invocation.
func TestParseNestedProxies(t *testing.T) {
	text := `fl=/b.php
fn=b
5 10

fl=php:internal
fn=P
0 1
cfn=b
calls=1 0 0
9 10

fl=php:internal
fn=P
0 1
cfn=P
calls=1 0 0
9 11

fl=/main.php
fn={main}
1 3
cfn=P
calls=1 0 0
4 12
`
	p := parseString(t, text, WithProxies([]string{"P"}))
	b, proxyFn, main := p.Functions[0], p.Functions[1], p.Functions[2]

	assert.Equal(t, []Edge{{Function: b.Index, Line: 4, CallCount: 1, SummedCost: 10}}, main.SubCalls)
	assert.Empty(t, proxyFn.CalledFrom)
	assert.Empty(t, proxyFn.SubCalls)
}

func TestParseProxyUnderflowDropsEdge(t *testing.T) {
	text := `fl=php:internal
fn=P
0 4

fl=/main.php
fn={main}
1 3
cfn=P
calls=1 0 0
4 4
`
	p := parseString(t, text, WithProxies([]string{"P"}))
	main := p.Functions[1]
	assert.Empty(t, main.SubCalls)
	assert.Equal(t, uint64(3), main.InclusiveCost)
}

func TestParseMalformed(t *testing.T) {
	tests := []struct {
		name string
		text string
		line int
	}{
		{"eof after fl", "fl=/a.php\n", 1},
		{"eof after fn", "fl=/a.php\nfn=f\n", 2},
		{"missing fn", "fl=/a.php\nnot a function\n1 2\n", 2},
		{"bad cost", "fl=/a.php\nfn=f\n1 lots\n", 3},
		{"short cost", "fl=/a.php\nfn=f\n1\n", 3},
		{"call outside function", "cfn=g\ncalls=1 0 0\n1 2\n", 1},
		{"eof in call", "fl=/a.php\nfn=f\n1 2\ncfn=g\ncalls=1 0 0\n", 5},
		{"eof in main summary", "fl=/a.php\nfn={main}\n\nsummary: 3\n", 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.text))
			require.Error(t, err)

			var mErr *MalformedTraceError
			require.True(t, errors.As(err, &mErr), "got %T", err)
			assert.Equal(t, tt.line, mErr.Line)
		})
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) {
	return 0, errors.New("disk on fire")
}

func TestParseReadFailure(t *testing.T) {
	_, err := Parse(failingReader{})
	var mErr *MalformedTraceError
	require.True(t, errors.As(err, &mErr))
	assert.Contains(t, err.Error(), "disk on fire")
}

func TestParseHandlesCRLF(t *testing.T) {
	text := strings.ReplaceAll(tracetest.Sample, "\n", "\r\n")
	p := parseString(t, text)
	require.Len(t, p.Functions, 3)
	assert.Equal(t, "/srv/lib.php", p.Functions[0].File)
}

func TestParseMatchesReferenceAggregation(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 25; i++ {
		text, exp := tracetest.Random(rng, 1+rng.Intn(8), 5, 3)
		p := parseString(t, text)

		require.Len(t, p.Functions, len(exp.Functions))
		for _, fn := range p.Functions {
			want, ok := exp.Functions[fn.Name]
			require.True(t, ok, "unexpected function %s", fn.Name)
			assert.Equal(t, want.Invocations, fn.InvocationCount, fn.Name)
			assert.Equal(t, want.Self, fn.SelfCost, fn.Name)
			assert.Equal(t, want.Inclusive, fn.InclusiveCost, fn.Name)
			assert.Equal(t, want.File, fn.File, fn.Name)
			assert.Len(t, fn.SubCalls, len(want.SubCalls), fn.Name)
			for _, e := range fn.SubCalls {
				site := tracetest.CallSite{Function: p.Functions[e.Function].Name, Line: e.Line}
				assert.Equal(t, want.SubCalls[site], tracetest.Agg{Count: e.CallCount, Cost: e.SummedCost})
			}
		}
	}
}
