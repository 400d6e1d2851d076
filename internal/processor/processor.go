// Package processor cleans up raw device output with configurable
// processor chains.
package processor

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	ProcessorTypeStripCR    string = "strip_cr"
	ProcessorTypeDropEcho   string = "drop_echo"
	ProcessorTypeDropPrompt string = "drop_prompt"
	ProcessorTypeDropPager  string = "drop_pager"
	ProcessorTypeTrim       string = "trim"
	ProcessorTypeTrimBlank  string = "trim_blank"
)

// DefaultOrder is the chain applied by Normalize.
var DefaultOrder = []string{
	ProcessorTypeStripCR,
	ProcessorTypeDropPager,
	ProcessorTypeDropEcho,
	ProcessorTypeDropPrompt,
	ProcessorTypeTrim,
	ProcessorTypeTrimBlank,
}

// Processor defines the interface for processing output lines.
type Processor interface {
	// Process applies the processor's logic to the lines produced by cmd.
	Process(lines []string, cmd string) ([]string, error)
	Name() string
}

// ProcessorChain manages a collection of processors and applies them in sequence.
type ProcessorChain struct {
	processors map[string]Processor
}

func NewProcessorChain() *ProcessorChain {
	pc := &ProcessorChain{
		processors: make(map[string]Processor),
	}
	pc.registerDefaults()
	return pc
}

func (pc *ProcessorChain) registerDefaults() {
	pc.Register(&StripCRProcessor{})
	pc.Register(&DropEchoProcessor{})
	pc.Register(&DropPromptProcessor{})
	pc.Register(&DropPagerProcessor{})
	pc.Register(&TrimProcessor{})
	pc.Register(&TrimBlankProcessor{})
}

// Register adds a processor to the chain, replacing one with the same name.
func (pc *ProcessorChain) Register(p Processor) {
	pc.processors[p.Name()] = p
}

// Process applies the named processors to the input lines in order.
func (pc *ProcessorChain) Process(lines []string, cmd string, processorNames ...string) ([]string, error) {
	for _, name := range processorNames {
		if _, exists := pc.processors[name]; !exists {
			return nil, fmt.Errorf("processor %q not registered", name)
		}
	}
	if len(lines) == 0 {
		return lines, nil
	}
	result := lines
	for _, name := range processorNames {
		var err error
		result, err = pc.processors[name].Process(result, cmd)
		if err != nil {
			return nil, fmt.Errorf("%s processor failed: %w", name, err)
		}
		if len(result) == 0 {
			break
		}
	}
	return result, nil
}

// Normalize runs DefaultOrder over raw output and joins the result.
func (pc *ProcessorChain) Normalize(raw, cmd string) (string, error) {
	lines, err := pc.Process(strings.Split(raw, "\n"), cmd, DefaultOrder...)
	if err != nil {
		return "", err
	}
	return strings.Join(lines, "\n"), nil
}

var defaultChain = NewProcessorChain()

// Normalize cleans raw output with the default chain.
func Normalize(raw, cmd string) string {
	out, err := defaultChain.Normalize(raw, cmd)
	if err != nil {
		return strings.TrimSpace(raw)
	}
	return out
}

//Processor Implementations

// StripCRProcessor removes carriage returns and backspace redraws.
type StripCRProcessor struct{}

func (p *StripCRProcessor) Name() string { return ProcessorTypeStripCR }
func (p *StripCRProcessor) Process(lines []string, _ string) ([]string, error) {
	out := make([]string, len(lines))
	for i, line := range lines {
		line = strings.ReplaceAll(line, "\r", "")
		out[i] = strings.ReplaceAll(line, "\b", "")
	}
	return out, nil
}

// DropEchoProcessor removes the echoed command from the first non-blank line.
type DropEchoProcessor struct{}

func (p *DropEchoProcessor) Name() string { return ProcessorTypeDropEcho }
func (p *DropEchoProcessor) Process(lines []string, cmd string) ([]string, error) {
	cmd = strings.TrimSpace(cmd)
	if cmd == "" {
		return lines, nil
	}
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if strings.HasSuffix(trimmed, cmd) {
			return append(lines[:i:i], lines[i+1:]...), nil
		}
		break
	}
	return lines, nil
}

var promptLine = regexp.MustCompile(`^[\w.\-/:@]+(\([\w.\-]+\))?[>#]\s*$`)

// DropPromptProcessor removes a trailing device prompt.
type DropPromptProcessor struct{}

func (p *DropPromptProcessor) Name() string { return ProcessorTypeDropPrompt }
func (p *DropPromptProcessor) Process(lines []string, _ string) ([]string, error) {
	for i := len(lines) - 1; i >= 0; i-- {
		trimmed := strings.TrimSpace(lines[i])
		if trimmed == "" {
			continue
		}
		if promptLine.MatchString(trimmed) {
			return lines[:i], nil
		}
		break
	}
	return lines, nil
}

var pager = regexp.MustCompile(`\s*-+\s*More\s*-+\s*`)

// DropPagerProcessor removes " --More-- " artifacts.
type DropPagerProcessor struct{}

func (p *DropPagerProcessor) Name() string { return ProcessorTypeDropPager }
func (p *DropPagerProcessor) Process(lines []string, _ string) ([]string, error) {
	out := make([]string, len(lines))
	for i, line := range lines {
		out[i] = pager.ReplaceAllString(line, "")
	}
	return out, nil
}

// TrimProcessor trims trailing whitespace from each line, keeping indentation.
type TrimProcessor struct{}

func (p *TrimProcessor) Name() string { return ProcessorTypeTrim }
func (p *TrimProcessor) Process(lines []string, _ string) ([]string, error) {
	trimmed := make([]string, len(lines))
	for i, line := range lines {
		trimmed[i] = strings.TrimRight(line, " \t")
	}
	return trimmed, nil
}

// TrimBlankProcessor drops leading and trailing blank lines.
type TrimBlankProcessor struct{}

func (p *TrimBlankProcessor) Name() string { return ProcessorTypeTrimBlank }
func (p *TrimBlankProcessor) Process(lines []string, _ string) ([]string, error) {
	start, end := 0, len(lines)
	for start < end && strings.TrimSpace(lines[start]) == "" {
		start++
	}
	for end > start && strings.TrimSpace(lines[end-1]) == "" {
		end--
	}
	return lines[start:end], nil
}
