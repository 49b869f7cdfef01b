package cache

import (
	"context"
	"errors"
	"io"
	"iter"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sofatutor/httpcache/internal/storage"
)

var errBackendDown = errors.New("backend down")

// mockStore is a storage.Store whose behavior is scripted per test.
type mockStore struct {
	mock.Mock
}

var _ storage.Store = (*mockStore)(nil)

func (m *mockStore) Contains(ctx context.Context, key string) (bool, error) {
	args := m.Called(ctx, key)
	return args.Bool(0), args.Error(1)
}

func (m *mockStore) Read(ctx context.Context, key string) ([]byte, bool, error) {
	args := m.Called(ctx, key)
	data, _ := args.Get(0).([]byte)
	return data, args.Bool(1), args.Error(2)
}

func (m *mockStore) Write(ctx context.Context, key string, value []byte) error {
	return m.Called(ctx, key, value).Error(0)
}

func (m *mockStore) Delete(ctx context.Context, key string) error {
	return m.Called(ctx, key).Error(0)
}

func (m *mockStore) Clear(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockStore) Keys(ctx context.Context) iter.Seq2[string, error] {
	err := m.Called(ctx).Error(0)
	return func(yield func(string, error) bool) {
		if err != nil {
			yield("", err)
		}
	}
}

func (m *mockStore) Values(ctx context.Context) iter.Seq2[[]byte, error] {
	err := m.Called(ctx).Error(0)
	return func(yield func([]byte, error) bool) {
		if err != nil {
			yield(nil, err)
		}
	}
}

func (m *mockStore) Size(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

func (m *mockStore) Close() error {
	return m.Called().Error(0)
}

func newMockController(t *testing.T) (*Controller, *mockStore, *mockStore) {
	t.Helper()
	responses, redirects := new(mockStore), new(mockStore)
	ctrl, err := New(responses, redirects, DefaultSettings())
	require.NoError(t, err)
	return ctrl, responses, redirects
}

func TestGetResponse_ReadErrorPropagates(t *testing.T) {
	ctrl, responses, redirects := newMockController(t)
	responses.On("Read", mock.Anything, "k").Return(nil, false, errBackendDown)

	resp, err := ctrl.GetResponse(context.Background(), "k")
	assert.ErrorIs(t, err, errBackendDown)
	assert.Nil(t, resp)
	redirects.AssertNotCalled(t, "Read", mock.Anything, mock.Anything)
	responses.AssertExpectations(t)
}

func TestGetResponse_AliasReadErrorPropagates(t *testing.T) {
	ctrl, responses, redirects := newMockController(t)
	responses.On("Read", mock.Anything, "k").Return(nil, false, nil)
	redirects.On("Read", mock.Anything, "k").Return(nil, false, errBackendDown)

	_, err := ctrl.GetResponse(context.Background(), "k")
	assert.ErrorIs(t, err, errBackendDown)
	responses.AssertExpectations(t)
	redirects.AssertExpectations(t)
}

func TestSaveResponse_WriteErrorPropagates(t *testing.T) {
	ctrl, responses, redirects := newMockController(t)
	responses.On("Read", mock.Anything, mock.Anything).Return(nil, false, nil)
	redirects.On("Read", mock.Anything, mock.Anything).Return(nil, false, nil)
	responses.On("Write", mock.Anything, mock.Anything, mock.Anything).Return(errBackendDown)

	ctx := context.Background()
	req, err := http.NewRequest(http.MethodGet, "https://example.com/a", nil)
	require.NoError(t, err)
	cached, acts, err := ctrl.Request(ctx, req, RequestOptions{})
	require.NoError(t, err)
	require.Nil(t, cached)

	res := &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{},
		Body:       io.NopCloser(strings.NewReader("body")),
		Request:    req,
	}
	saved, err := ctrl.SaveResponse(ctx, res, acts)
	assert.ErrorIs(t, err, errBackendDown)
	assert.False(t, saved)
	redirects.AssertNotCalled(t, "Write", mock.Anything, mock.Anything, mock.Anything)
	responses.AssertExpectations(t)
}

func TestCounts_SizeErrorPropagates(t *testing.T) {
	ctrl, responses, redirects := newMockController(t)
	responses.On("Size", mock.Anything).Return(0, errBackendDown)
	redirects.On("Size", mock.Anything).Return(4, nil)

	_, err := ctrl.ResponseCount(context.Background())
	assert.ErrorIs(t, err, errBackendDown)

	n, err := ctrl.RedirectCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}
