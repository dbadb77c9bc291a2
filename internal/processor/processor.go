// Package processor provides a modular framework for processing command
// output with configurable processor chains.
package processor

import (
	"fmt"
	"net"
	"strings"
)

const (
	ProcessorTypeSplitLines string = "split_lines"
	ProcessorTypeTrim       string = "trim"
	ProcessorTypeDropEmpty  string = "drop_empty"
	ProcessorTypeNeighbor   string = "neighbor"
)

// Processor defines the interface for processing string slices.
type Processor interface {
	// Process applies the processor's logic to the input lines.
	Process([]string) ([]string, error)
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
	pc.Register(&SplitLinesProcessor{})
	pc.Register(&TrimProcessor{})
	pc.Register(&DropEmptyProcessor{})
	pc.Register(&NeighborProcessor{})
}

// Register adds a processor to the chain.
func (pc *ProcessorChain) Register(p Processor) {
	pc.processors[p.Name()] = p
}

// Process applies the named processors to lines in order.
func (pc *ProcessorChain) Process(lines []string, processorNames ...string) ([]string, error) {
	for _, name := range processorNames {
		if _, exists := pc.processors[name]; !exists {
			return nil, fmt.Errorf("processor %q not registered", name)
		}
	}
	result := lines
	for _, name := range processorNames {
		if len(result) == 0 {
			break
		}
		var err error
		result, err = pc.processors[name].Process(result)
		if err != nil {
			return nil, fmt.Errorf("%s processor failed: %w", name, err)
		}
	}
	return result, nil
}

// SplitLinesProcessor breaks multi-line entries into one entry per line.
type SplitLinesProcessor struct{}

func (p *SplitLinesProcessor) Name() string { return ProcessorTypeSplitLines }

func (p *SplitLinesProcessor) Process(lines []string) ([]string, error) {
	result := make([]string, 0, len(lines))
	for _, line := range lines {
		result = append(result, strings.Split(strings.ReplaceAll(line, "\r\n", "\n"), "\n")...)
	}
	return result, nil
}

// TrimProcessor trims whitespace from each line in the input.
type TrimProcessor struct{}

func (p *TrimProcessor) Name() string { return ProcessorTypeTrim }

func (p *TrimProcessor) Process(lines []string) ([]string, error) {
	trimmed := make([]string, len(lines))
	for i, line := range lines {
		trimmed[i] = strings.TrimSpace(line)
	}
	return trimmed, nil
}

type DropEmptyProcessor struct{}

func (p *DropEmptyProcessor) Name() string { return ProcessorTypeDropEmpty }

func (p *DropEmptyProcessor) Process(lines []string) ([]string, error) {
	result := make([]string, 0, len(lines))
	for _, line := range lines {
		if line != "" {
			result = append(result, line)
		}
	}
	return result, nil
}

// NeighborProcessor keeps lines that start with an IP address followed by a
// hardware address (arp-scan, "ip neigh" style) and rewrites them as
// "<ip> <mac>" with the mac in canonical lower-case form. Everything else
// (banners, summaries) is dropped.
type NeighborProcessor struct{}

func (p *NeighborProcessor) Name() string { return ProcessorTypeNeighbor }

func (p *NeighborProcessor) Process(lines []string) ([]string, error) {
	result := make([]string, 0, len(lines))
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		ip := net.ParseIP(fields[0])
		if ip == nil {
			continue
		}
		mac := findMAC(fields[1:])
		if mac == "" {
			continue
		}
		result = append(result, ip.String()+" "+mac)
	}
	return result, nil
}

func findMAC(fields []string) string {
	for _, f := range fields {
		if hw, err := net.ParseMAC(f); err == nil && len(hw) == 6 {
			return hw.String()
		}
	}
	return ""
}

// NeighborTable runs output through split/trim/neighbor and returns a
// mac -> ip map. When a mac shows up more than once the first address wins.
func NeighborTable(output string) (map[string]string, error) {
	lines, err := NewProcessorChain().Process([]string{output},
		ProcessorTypeSplitLines, ProcessorTypeTrim, ProcessorTypeDropEmpty, ProcessorTypeNeighbor)
	if err != nil {
		return nil, err
	}
	table := make(map[string]string, len(lines))
	for _, line := range lines {
		ip, mac, _ := strings.Cut(line, " ")
		if _, seen := table[mac]; !seen {
			table[mac] = ip
		}
	}
	return table, nil
}
