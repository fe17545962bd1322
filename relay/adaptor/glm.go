package adaptor

import (
	"context"

	"github.com/fluxgate/fluxgate/model"
	relaymodel "github.com/fluxgate/fluxgate/relay/model"
)

const glmDefaultBaseURL = "https://open.bigmodel.cn/api/paas/v4"

// glmAdaptor targets Zhipu's OpenAI-compatible endpoint. Only the base
// URL differs; GLM's path already embeds the API version, so the
// compatible path is appended without the /v1 segment.
type glmAdaptor struct{}

func (a *glmAdaptor) Execute(ctx context.Context, provider *model.Provider, account *model.Account, req *relaymodel.Request) (relaymodel.ChunkStream, *relaymodel.GatewayError) {
	body, err := buildOpenAIBody(req)
	if err != nil {
		return nil, relaymodel.WrapError(relaymodel.ErrInternal, err, "encode upstream request")
	}

	url := providerBaseURL(provider, glmDefaultBaseURL) + "/chat/completions"
	resp, gerr := doJSON(ctx, "POST", url, openAIHeaders(provider, account), body)
	if gerr != nil {
		return nil, gerr
	}

	if req.Stream {
		return &openaiChunkStream{sse: newSSEStream(resp)}, nil
	}
	defer resp.Body.Close()
	parsed, gerr := parseOpenAIUnary(resp.Body)
	if gerr != nil {
		return nil, gerr
	}
	return newSliceStream(chunksFromResponse(parsed)...), nil
}
