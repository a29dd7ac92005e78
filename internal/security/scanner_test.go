package security

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	xerrors "OpenAgent-Hub/internal/errors"
)

const vulnerableVault = `pragma solidity ^0.8.0;

contract Vault {
    mapping(address => uint256) public balances;

    function withdraw(uint256 amount) external {
        require(balances[msg.sender] >= amount);
        (bool ok, ) = msg.sender.call{value: amount}("");
        balances[msg.sender] -= amount;
    }

    function kill() external {
        require(tx.origin == owner);
        selfdestruct(payable(owner));
    }
}
`

const guardedVault = `pragma solidity ^0.8.0;

contract Vault is Ownable, Pausable, ReentrancyGuard {
    event Withdrawn(address who, uint256 amount);
    address public timelock;

    function withdraw(uint256 amount) external nonReentrant whenNotPaused {
        require(balances[msg.sender] >= amount, "insufficient");
        balances[msg.sender] -= amount;
        emit Withdrawn(msg.sender, amount);
    }
}
`

func TestScanCleanCodePasses(t *testing.T) {
	s, err := NewScanner()
	require.NoError(t, err)
	report, err := s.ScanCode(context.Background(), "main.go", "package main\n\nfunc main() { println(\"hi\") }\n")
	require.NoError(t, err)
	require.Empty(t, report.Vulnerabilities)
	require.Zero(t, report.RiskScore)
	require.True(t, report.Passed)
	require.Empty(t, report.DeFiArtifacts)
}

func TestScanGenericFindings(t *testing.T) {
	s, err := NewScanner(WithTolerance("high"))
	require.NoError(t, err)
	code := "import hashlib\n\nh = hashlib.md5(data)\nurl = \"http://example.com\"\n"
	report, err := s.ScanCode(context.Background(), "app.py", code)
	require.NoError(t, err)

	ids := map[string]Vulnerability{}
	for _, v := range report.Vulnerabilities {
		ids[v.RuleID] = v
	}
	require.Contains(t, ids, "SEC004")
	require.Contains(t, ids, "SEC009")
	require.Equal(t, 3, ids["SEC004"].Line)
	require.Equal(t, "h = hashlib.md5(data)", ids["SEC004"].Snippet)
	require.Equal(t, 25, report.RiskScore)
	require.Equal(t, 50, report.Threshold)
	require.True(t, report.Passed)
}

func TestScanDeFiRulesAndCap(t *testing.T) {
	s, err := NewScanner()
	require.NoError(t, err)
	report, err := s.Scan(context.Background(), []Artifact{{Path: "Vault.sol", Content: vulnerableVault}})
	require.NoError(t, err)
	require.Equal(t, []string{"Vault.sol"}, report.DeFiArtifacts)

	found := map[string]Vulnerability{}
	for _, v := range report.Vulnerabilities {
		found[v.RuleID] = v
	}
	require.Contains(t, found, "DEFI001")
	require.Contains(t, found, "DEFI002")
	require.Contains(t, found, "DEFI005")
	require.True(t, found["DEFI005"].DeFi)
	require.Equal(t, 150, found["DEFI005"].Weight)
	require.Equal(t, 75, found["DEFI002"].Weight)
	require.Equal(t, MaxRiskScore, report.RiskScore)
	require.False(t, report.Passed)
}

func TestDeFiDetection(t *testing.T) {
	cases := []struct {
		art  Artifact
		defi bool
	}{
		{Artifact{Path: "Pool.sol"}, true},
		{Artifact{Path: "vault.vy"}, true},
		{Artifact{Path: "router.go", Content: "func swap(amountIn *big.Int)"}, true},
		{Artifact{Path: "stake.ts", Content: "add liquidity to pool"}, true},
		{Artifact{Path: "main.go", Content: "package main"}, false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.defi, tc.art.IsDeFi(), tc.art.Path)
	}
}

func TestToleranceThresholds(t *testing.T) {
	for tol, want := range map[string]int{"none": 0, "low": 5, "medium": 20, "high": 50, "critical": 100} {
		s, err := NewScanner(WithTolerance(tol))
		require.NoError(t, err)
		require.Equal(t, want, s.Threshold())
	}
	_, err := NewScanner(WithTolerance("extreme"))
	require.True(t, xerrors.IsCode(err, xerrors.CodeInvalidInput))

	s, err := NewScanner(WithTolerance("none"))
	require.NoError(t, err)
	report, err := s.ScanCode(context.Background(), "cfg.yaml", "debug: true\n")
	require.NoError(t, err)
	require.Equal(t, 5, report.RiskScore)
	require.False(t, report.Passed)
}

func TestScanRejectsEmptyInput(t *testing.T) {
	s, err := NewScanner()
	require.NoError(t, err)
	_, err = s.Scan(context.Background(), nil)
	require.True(t, xerrors.IsCode(err, xerrors.CodeInvalidInput))
}

func TestCheckCompliance(t *testing.T) {
	s, err := NewScanner()
	require.NoError(t, err)

	report, err := s.CheckCompliance(context.Background(), []Artifact{{Path: "Vault.sol", Content: guardedVault}}, []string{FrameworkDeFi})
	require.NoError(t, err)
	require.Len(t, report.Frameworks, 1)
	require.Equal(t, 100.0, report.Frameworks[0].Score)
	require.True(t, report.Passed)

	report, err = s.CheckCompliance(context.Background(), []Artifact{{Path: "Vault.sol", Content: vulnerableVault}}, []string{FrameworkGeneral, FrameworkDeFi})
	require.NoError(t, err)
	require.Len(t, report.Frameworks, 2)
	require.False(t, report.Passed)
	var txOrigin RuleResult
	for _, r := range report.Frameworks[1].Rules {
		if r.ID == "DS-06" {
			txOrigin = r
		}
	}
	require.False(t, txOrigin.Passed)
	require.Less(t, report.OverallScore, DefaultCompliancePassScore)

	_, err = s.CheckCompliance(context.Background(), nil, []string{"pci_dss"})
	require.True(t, xerrors.IsCode(err, xerrors.CodeInvalidInput))
}
