package trace

import (
	"bufio"
	"errors"
	"io"
	"strconv"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/abramin/tracelens/internal/logging"
	"github.com/abramin/tracelens/internal/proxy"
	"github.com/abramin/tracelens/internal/symbols"
)

// Option configures a Parser.
type Option func(*Parser)

// WithProxies designates pass-through functions to elide from the call graph.
func WithProxies(names []string) Option {
	return func(p *Parser) {
		p.proxies = names
	}
}

// WithLogger sets the logger used for recoverable trace anomalies.
func WithLogger(logger log.Logger) Option {
	return func(p *Parser) {
		p.logger = logging.OrNop(logger)
	}
}

// Parser aggregates callgrind-style trace text into a Profile.
type Parser struct {
	proxies []string
	logger  log.Logger
}

// NewParser creates a parser with the given options.
func NewParser(opts ...Option) *Parser {
	p := &Parser{logger: log.NewNopLogger()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Parse is shorthand for NewParser(opts...).Parse(r).
func Parse(r io.Reader, opts ...Option) (*Profile, error) {
	return NewParser(opts...).Parse(r)
}

// Parse reads the whole trace in a single forward pass.
func (p *Parser) Parse(r io.Reader) (*Profile, error) {
	st := &parseState{
		in:      &lineReader{r: bufio.NewReaderSize(r, 64*1024)},
		symbols: symbols.New(),
		splicer: proxy.New(p.proxies),
		profile: &Profile{},
		logger:  p.logger,
	}

	for {
		line, err := st.in.next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}

		switch {
		case strings.HasPrefix(line, "fl="):
			err = st.fileRecord(line[len("fl="):])
		case strings.HasPrefix(line, "fn="):
			err = st.functionRecord(line[len("fn="):])
		case strings.HasPrefix(line, "cfl="):
			st.calleeFile = line[len("cfl="):]
		case strings.HasPrefix(line, "cfn="):
			err = st.callRecord(line[len("cfn="):])
		case strings.Contains(line, ": "):
			st.profile.Headers = append(st.profile.Headers, line)
		}
		if err != nil {
			return nil, err
		}
	}

	if n := st.splicer.Pending(); n > 0 {
		level.Debug(st.logger).Log("msg", "forwarded proxy calls never attributed to a caller", "count", n)
	}
	return st.profile, nil
}

type parseState struct {
	in      *lineReader
	symbols *symbols.Table
	splicer *proxy.Splicer
	profile *Profile
	logger  log.Logger

	file       string
	calleeFile string
	current    *Function
}

// fileRecord handles "fl=" which must be followed by the function declaration.
func (st *parseState) fileRecord(raw string) error {
	st.file = st.intern(raw, symbols.File).Name
	line, err := st.in.mustNext("function declaration")
	if err != nil {
		return err
	}
	if !strings.HasPrefix(line, "fn=") {
		return st.in.malformed("expected fn= after fl=")
	}
	return st.functionRecord(line[len("fn="):])
}

// functionRecord handles one invocation of a function and its self cost.
func (st *parseState) functionRecord(raw string) error {
	fn := st.function(raw, st.file)

	costLine, err := st.in.mustNext("cost line")
	if err != nil {
		return err
	}
	if fn.Name == EntryPoint && !startsWithDigit(costLine) {
		// Older profiler output wraps a summary header around the entry point's cost line.
		summary, err := st.in.mustNext("entry point summary")
		if err != nil {
			return err
		}
		st.profile.Headers = append(st.profile.Headers, summary)
		if _, err := st.in.mustNext("entry point summary"); err != nil {
			return err
		}
		if costLine, err = st.in.mustNext("cost line"); err != nil {
			return err
		}
	}

	lineNo, cost, err := st.in.parseCost(costLine)
	if err != nil {
		return err
	}

	fn.Line = lineNo
	fn.InvocationCount++
	fn.SelfCost += cost
	fn.InclusiveCost += cost
	st.current = fn
	return nil
}

// callRecord handles a "cfn=" block: a discarded calls= line, then the call's cost.
func (st *parseState) callRecord(raw string) error {
	if st.current == nil {
		return st.in.malformed("call outside of a function record")
	}

	calleeFile := ""
	if st.calleeFile != "" {
		calleeFile = st.intern(st.calleeFile, symbols.File).Name
		st.calleeFile = ""
	}
	callee := st.function(raw, calleeFile)

	if _, err := st.in.mustNext("calls line"); err != nil {
		return err
	}
	costLine, err := st.in.mustNext("call cost line")
	if err != nil {
		return err
	}
	lineNo, cost, err := st.in.parseCost(costLine)
	if err != nil {
		return err
	}

	st.addCall(st.current.Index, callee.Index, lineNo, cost)
	return nil
}

func (st *parseState) addCall(caller, callee int, line, cost uint64) {
	if st.splicer.IsProxy(callee) {
		forwarded, ok := st.splicer.Resolve(callee)
		if !ok {
			level.Warn(st.logger).Log("msg", "call into proxy with nothing forwarded, dropping edge",
				"proxy", st.profile.Functions[callee].Name, "line", st.in.line)
			return
		}
		callee, cost = forwarded.Callee, forwarded.Cost
	}
	if st.splicer.IsProxy(caller) {
		st.splicer.Defer(caller, proxy.Call{Callee: callee, Line: line, Cost: cost})
		return
	}
	st.profile.link(caller, callee, line, cost)
}

// function returns the record for raw, creating it in first-seen order.
func (st *parseState) function(raw, file string) *Function {
	sym := st.intern(raw, symbols.Function)
	if sym.Index < len(st.profile.Functions) {
		fn := st.profile.Functions[sym.Index]
		if fn.File == "" {
			fn.File = file
		}
		return fn
	}

	fn := newFunction(sym.Index, sym.Name)
	fn.File = file
	st.profile.Functions = append(st.profile.Functions, fn)
	st.splicer.Register(sym.Name, sym.Index)
	return fn
}

func (st *parseState) intern(raw string, kind symbols.Kind) symbols.Symbol {
	sym, ok := st.symbols.Intern(raw, kind)
	if !ok {
		level.Warn(st.logger).Log("msg", "unresolved compressed name", "kind", kind, "name", raw, "line", st.in.line)
	}
	return sym
}

func startsWithDigit(s string) bool {
	return s != "" && s[0] >= '0' && s[0] <= '9'
}

// lineReader yields trace lines without terminators and tracks line numbers.
type lineReader struct {
	r    *bufio.Reader
	line int
}

func (lr *lineReader) next() (string, error) {
	s, err := lr.r.ReadString('\n')
	if err != nil {
		if !errors.Is(err, io.EOF) {
			return "", &MalformedTraceError{Line: lr.line + 1, Reason: "reading trace", Err: err}
		}
		if s == "" {
			return "", io.EOF
		}
	}
	lr.line++
	return strings.TrimRight(s, "\r\n"), nil
}

// mustNext reads a line that the current record requires.
func (lr *lineReader) mustNext(what string) (string, error) {
	s, err := lr.next()
	if errors.Is(err, io.EOF) {
		return "", &MalformedTraceError{Line: lr.line, Reason: "unexpected end of trace, expected " + what}
	}
	return s, err
}

func (lr *lineReader) malformed(reason string) error {
	return &MalformedTraceError{Line: lr.line, Reason: reason}
}

// parseCost reads "<line> <cost> [more costs...]".
func (lr *lineReader) parseCost(s string) (line, cost uint64, err error) {
	fields := strings.Fields(s)
	if len(fields) < 2 {
		return 0, 0, lr.malformed("expected \"<line> <cost>\", got " + strconv.Quote(s))
	}
	if line, err = strconv.ParseUint(fields[0], 10, 64); err != nil {
		return 0, 0, &MalformedTraceError{Line: lr.line, Reason: "bad line number", Err: err}
	}
	if cost, err = strconv.ParseUint(fields[1], 10, 64); err != nil {
		return 0, 0, &MalformedTraceError{Line: lr.line, Reason: "bad cost", Err: err}
	}
	return line, cost, nil
}
