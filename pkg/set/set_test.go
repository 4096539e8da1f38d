package set_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cve-monitor/cve-monitor/pkg/set"
)

func TestNew(t *testing.T) {
	s := set.New[string]()
	assert.Equal(t, 0, s.Len())
	assert.Empty(t, s.Values())

	s = set.New("CVE-2024-0002", "CVE-2024-0001", "CVE-2024-0002")
	assert.Equal(t, 2, s.Len())
}

func TestSet_Add(t *testing.T) {
	s := set.New[string]()
	assert.True(t, s.Add("CVE-2024-0001"))
	assert.False(t, s.Add("CVE-2024-0001"))
	assert.True(t, s.Contains("CVE-2024-0001"))
	assert.False(t, s.Contains("CVE-2024-0002"))
}

func TestSorted(t *testing.T) {
	s := set.New[string]()
	s.Append("CVE-2024-0003", "CVE-2024-0001", "CVE-2024-0002")
	assert.Equal(t, []string{"CVE-2024-0001", "CVE-2024-0002", "CVE-2024-0003"}, set.Sorted(s))
}
