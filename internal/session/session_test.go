package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/Azure/BatchExplorer-sub004/internal/datacache"
	"github.com/Azure/BatchExplorer-sub004/pkg/models"
)

func TestSwitchAccountClearsAllButKept(t *testing.T) {
	s := New(Account{Name: "dev"}, clocktesting.NewFakeClock(time.Unix(0, 0)))
	defer s.Close()

	pools := datacache.New[models.Pool](s.Registry(), datacache.Options{Name: "pools"})
	settings := datacache.New[models.Pool](s.Registry(), datacache.Options{Name: "pinned"})
	pools.AddItem(models.Pool{ID: "p1"})
	settings.AddItem(models.Pool{ID: "keep"})

	var got []Switch
	sub := s.OnSwitch(func(sw Switch) { got = append(got, sw) })
	defer sub.Unsubscribe()
	before := s.ID()

	sw := s.SwitchAccount(Account{Name: "prod", BaseURL: "https://prod"}, settings.ID())

	assert.Equal(t, 1, sw.Cleared)
	assert.Zero(t, pools.Len())
	assert.Equal(t, 1, settings.Len())
	assert.Equal(t, "prod", s.Account().Name)
	assert.NotEqual(t, before, s.ID())
	require.Len(t, got, 1)
	assert.Equal(t, "dev", got[0].From.Name)
	assert.Equal(t, "prod", got[0].To.Name)
}

func TestSessionPollService(t *testing.T) {
	clk := clocktesting.NewFakeClock(time.Unix(0, 0))
	s := New(Account{Name: "dev"}, clk)

	tr := s.Poll().StartPoll("pools", time.Second, func(ctx context.Context) {})
	_, ok := s.Poll().Active("pools")
	assert.True(t, ok)
	tr.Destroy()

	s.Close()
	_, ok = s.Poll().Active("pools")
	assert.False(t, ok)
}
