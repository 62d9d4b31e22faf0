package flqa

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// FileType tags which export a record came from: FLA is the production
// file (no waiver yet), FLQA is the qualification file.
type FileType string

const (
	FileTypeFLA  FileType = "FLA"
	FileTypeFLQA FileType = "FLQA"
)

// ParseFileType validates a caller-supplied type tag. Anything other than
// the two literal values is a caller-side contract violation.
func ParseFileType(s string) (FileType, error) {
	switch FileType(strings.TrimSpace(s)) {
	case FileTypeFLA:
		return FileTypeFLA, nil
	case FileTypeFLQA:
		return FileTypeFLQA, nil
	default:
		return "", fmt.Errorf("file type must be FLA or FLQA, got %q", s)
	}
}

// NormalizedAgentMetrics is the canonical per-agent record. Absent fields
// are nil, never zero: the rule engine and the KPI layer each default
// nil to 0 at their own call sites, and the distinction matters (an agent
// with an explicit 0 has activity data; an agent with nil does not).
type NormalizedAgentMetrics struct {
	Type        FileType
	AgentID     *string
	Email       *string
	FullName    *string
	Market      *string
	GCI6M       *float64
	TX6M        *int
	FLQAExpires *string
	// Raw keeps the originating record for traceability.
	Raw RawRecord
}

// aliasTable maps each canonical field to its acceptable source headers,
// in precedence order.
type aliasTable struct {
	agentID     []string
	email       []string
	fullName    []string
	market      []string
	gci6M       []string
	tx6M        []string
	flqaExpires []string
}

func defaultAliases() aliasTable {
	return aliasTable{
		agentID:     []string{"Agent ID", "agent_id", "AgentId", "ID"},
		email:       []string{"Email", "email", "E-mail"},
		fullName:    []string{"Full Name", "Name", "full_name", "Agent Name"},
		market:      []string{"Market", "Office", "Region", "market"},
		gci6M:       []string{"GCI Sum (6 Month)", "GCI 6M", "gci_6m"},
		tx6M:        []string{"Transaction Count (6 Month)", "Transactions 6M", "tx_6m"},
		flqaExpires: []string{"FLQA Expires", "flqa_expires"},
	}
}

// Normalizer resolves raw records into canonical metrics. Extra header
// aliases from config are appended after the built-in table.
type Normalizer struct {
	aliases aliasTable
}

// NewNormalizer builds a normalizer. extra is keyed by canonical field
// name (agent_id, email, full_name, market, gci_6m, tx_6m, flqa_expires).
func NewNormalizer(extra map[string][]string) (*Normalizer, error) {
	t := defaultAliases()
	for field, headers := range extra {
		switch field {
		case "agent_id":
			t.agentID = append(t.agentID, headers...)
		case "email":
			t.email = append(t.email, headers...)
		case "full_name":
			t.fullName = append(t.fullName, headers...)
		case "market":
			t.market = append(t.market, headers...)
		case "gci_6m":
			t.gci6M = append(t.gci6M, headers...)
		case "tx_6m":
			t.tx6M = append(t.tx6M, headers...)
		case "flqa_expires":
			t.flqaExpires = append(t.flqaExpires, headers...)
		default:
			return nil, fmt.Errorf("unknown canonical field in alias config: %q", field)
		}
	}
	return &Normalizer{aliases: t}, nil
}

// NormalizeRow maps one raw record into the canonical form. It never
// fails: anything unresolvable becomes nil.
func (n *Normalizer) NormalizeRow(fileType FileType, row RawRecord) NormalizedAgentMetrics {
	return NormalizedAgentMetrics{
		Type:        fileType,
		AgentID:     firstString(row, n.aliases.agentID),
		Email:       firstString(row, n.aliases.email),
		FullName:    firstString(row, n.aliases.fullName),
		Market:      firstString(row, n.aliases.market),
		GCI6M:       firstNumber(row, n.aliases.gci6M),
		TX6M:        firstInt(row, n.aliases.tx6M),
		FLQAExpires: firstString(row, n.aliases.flqaExpires),
		Raw:         row,
	}
}

// firstString returns the first non-empty value among the aliased headers.
func firstString(row RawRecord, aliases []string) *string {
	for _, h := range aliases {
		v := strings.TrimSpace(row[h])
		if v != "" {
			return &v
		}
	}
	return nil
}

// firstNumber returns the first value among the aliased headers that
// parses to a finite number. A present-but-unparseable value falls
// through to the next alias rather than poisoning the field.
func firstNumber(row RawRecord, aliases []string) *float64 {
	for _, h := range aliases {
		if f := toNumber(row[h]); f != nil {
			return f
		}
	}
	return nil
}

func firstInt(row RawRecord, aliases []string) *int {
	f := firstNumber(row, aliases)
	if f == nil {
		return nil
	}
	// Truncated, not rounded.
	i := int(math.Trunc(*f))
	return &i
}

// toNumber parses a currency-laden numeric string. "$5,000.50" -> 5000.5.
// Unparseable or non-finite values are absent (nil), not zero.
func toNumber(v string) *float64 {
	s := strings.NewReplacer("$", "", ",", "").Replace(v)
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
		return nil
	}
	return &f
}
