package main

import (
	"os"

	"github.com/hyperledger/fabric-contract-api-go/contractapi"
	"github.com/rs/zerolog"

	"github.com/medvault/medvault/internal/platform/fabric"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Str("component", "chaincode").Logger()
	if lvl, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil && lvl != zerolog.NoLevel {
		logger = logger.Level(lvl)
	} else {
		logger = logger.Level(zerolog.InfoLevel)
	}

	chaincode, err := contractapi.NewChaincode(fabric.NewVaultContract(logger))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create medvault chaincode")
	}
	chaincode.Info.Title = "medvault"
	chaincode.Info.Version = "1.0.0"

	if err := chaincode.Start(); err != nil {
		logger.Fatal().Err(err).Msg("failed to start medvault chaincode")
	}
}
