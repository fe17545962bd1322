package common

import "time"

var (
	Version   = "v0.1.0"
	StartTime = time.Now().Unix()
)
