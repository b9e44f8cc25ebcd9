package backend

import (
	_ "github.com/graphboost/graphboost/ml/backend/reference"
)
