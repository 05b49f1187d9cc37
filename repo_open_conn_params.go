package chatws

import (
	"context"
	"net/http"
	"net/url"

	"github.com/pkg/errors"
)

const tokenQueryParam = "token"

type (
	// OpenConnectionParams is what a Connection needs to dial.
	OpenConnectionParams struct {
		URL    url.URL
		Header http.Header
	}

	// OpenConnectionParamsGetter resolves dial parameters for the given endpoint and token.
	OpenConnectionParamsGetter func(ctx context.Context, endpoint, token string) (OpenConnectionParams, error)

	OpenConnectionParamsRepo struct {
		logger Logger
		getter OpenConnectionParamsGetter
	}
)

// Get resolves the parameters of the next connection attempt. It is evaluated once per attempt, so a
// token swapped by UpdateToken is picked up by the following dial.
func (r OpenConnectionParamsRepo) Get(
	ctx context.Context,
	endpoint, token string,
) (params OpenConnectionParams, err error) {
	params, err = r.getter(ctx, endpoint, token)
	if err != nil {
		r.logger.Errorf("cannot build open connection params: %s", err)
	}
	return
}

func NewOpenConnectionParamsRepo(
	logger Logger,
	getter OpenConnectionParamsGetter,
) OpenConnectionParamsRepo {
	return OpenConnectionParamsRepo{getter: getter, logger: logger}
}

// TokenParams carries the token as a `token` query parameter, preserving any query already present on
// the endpoint, and as an `Authorization: Bearer` header. Headers in extra are copied onto every request.
func TokenParams(extra http.Header) OpenConnectionParamsGetter {
	return func(_ context.Context, endpoint, token string) (OpenConnectionParams, error) {
		u, err := url.Parse(endpoint)
		if err != nil {
			return OpenConnectionParams{}, errors.Wrap(err, "parse endpoint")
		}

		q := u.Query()
		q.Set(tokenQueryParam, token)
		u.RawQuery = q.Encode()

		header := extra.Clone()
		if header == nil {
			header = http.Header{}
		}
		if token != "" {
			header.Set("Authorization", "Bearer "+token)
		}

		return OpenConnectionParams{URL: *u, Header: header}, nil
	}
}
