package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func paperMessage(tags ...Tag) *Message {
	return &Message{Text: "Neue Vorlage", Tags: tags}
}

func TestConditionMatches(t *testing.T) {
	msg := paperMessage(
		Tag{Kind: TagCommittee, Value: "Stadtrat"},
		Tag{Kind: TagCommittee, Value: "Hauptausschuss"},
		Tag{Kind: TagPaperType, Value: "Antrag"},
	)

	tests := []struct {
		name string
		cond Condition
		want bool
	}{
		{"matching tag", Condition{Tag: TagCommittee, Pattern: "Stadtrat"}, true},
		{"any tag of the kind may match", Condition{Tag: TagCommittee, Pattern: "ausschuss"}, true},
		{"substring semantics", Condition{Tag: TagPaperType, Pattern: "trag"}, true},
		{"anchored pattern", Condition{Tag: TagPaperType, Pattern: "^Antrag$"}, true},
		{"wrong kind", Condition{Tag: TagAuthor, Pattern: "Stadtrat"}, false},
		{"no value match", Condition{Tag: TagCommittee, Pattern: "Bauausschuss"}, false},
		{"negated miss", Condition{Tag: TagCommittee, Pattern: "Bauausschuss", Negate: true}, true},
		{"negated hit", Condition{Tag: TagCommittee, Pattern: "Stadtrat", Negate: true}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cond.Matches(msg))
		})
	}
}

func TestConditionInvalidPattern(t *testing.T) {
	msg := paperMessage(Tag{Kind: TagCommittee, Value: "Stadtrat"})

	// An invalid regex never matches, negated or not.
	assert.False(t, Condition{Tag: TagCommittee, Pattern: "("}.Matches(msg))
	assert.False(t, Condition{Tag: TagCommittee, Pattern: "(", Negate: true}.Matches(msg))
}

func TestConditionIgnoresTagOrder(t *testing.T) {
	cond := Condition{Tag: TagCommittee, Pattern: "Stadtrat"}

	forward := paperMessage(
		Tag{Kind: TagCommittee, Value: "Hauptausschuss"},
		Tag{Kind: TagCommittee, Value: "Stadtrat"},
	)
	backward := paperMessage(
		Tag{Kind: TagCommittee, Value: "Stadtrat"},
		Tag{Kind: TagCommittee, Value: "Hauptausschuss"},
	)

	assert.Equal(t, cond.Matches(forward), cond.Matches(backward))
}

func TestFilterMatches(t *testing.T) {
	msg := paperMessage(
		Tag{Kind: TagCommittee, Value: "Stadtrat"},
		Tag{Kind: TagPaperType, Value: "Antrag"},
	)

	all := Filter{Conditions: []Condition{
		{Tag: TagCommittee, Pattern: "Stadtrat"},
		{Tag: TagPaperType, Pattern: "Antrag"},
	}}
	assert.True(t, all.Matches(msg))

	oneMiss := Filter{Conditions: []Condition{
		{Tag: TagCommittee, Pattern: "Stadtrat"},
		{Tag: TagPaperType, Pattern: "Beschluss"},
	}}
	assert.False(t, oneMiss.Matches(msg))

	// The empty conjunction is vacuously true.
	assert.True(t, Filter{}.Matches(msg))
}

func TestMatchesAny(t *testing.T) {
	msg := paperMessage(Tag{Kind: TagCommittee, Value: "Stadtrat"})

	hit := Filter{Conditions: []Condition{{Tag: TagCommittee, Pattern: "Stadtrat"}}}
	miss := Filter{Conditions: []Condition{{Tag: TagCommittee, Pattern: "Bauausschuss"}}}

	assert.True(t, MatchesAny([]Filter{miss, hit}, msg))
	assert.False(t, MatchesAny([]Filter{miss}, msg))

	// No filters means the chat receives nothing.
	assert.False(t, MatchesAny(nil, msg))
	assert.False(t, MatchesAny([]Filter{}, msg))
}
