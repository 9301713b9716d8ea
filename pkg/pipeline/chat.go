package pipeline

// ChatStage applies the negotiated session key to ordinary traffic.
// With no key it passes buffers through unchanged.
type ChatStage struct {
	security *Security
}

func NewChatStage(security *Security) *ChatStage {
	return &ChatStage{security: security}
}

func (c *ChatStage) Name() string { return "chat" }

func (c *ChatStage) Start() (Result, error) { return Result{}, nil }

func (c *ChatStage) Process(dir Direction, data []byte) (Result, error) {
	if dir == Outbound {
		sealed, err := c.security.seal(data)
		if err != nil {
			return Result{}, err
		}
		return Result{Forward: sealed}, nil
	}

	plain, err := c.security.open(data)
	if err != nil {
		return Result{}, err
	}
	return Result{Forward: plain}, nil
}
